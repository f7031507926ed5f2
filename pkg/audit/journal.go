// Package audit provides a CRC32-framed, append-only journal of
// coordinator events (aborts, commits, recoveries). It is purely
// observational: the coordinator never reads it back to reconstruct
// state, so it carries no durability or recovery guarantee. An
// operator can tail the file to watch what the coordinator did.
package audit

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

var ErrJournalClosed = errors.New("journal is closed")

// Record is one journaled coordinator event.
type Record struct {
	Seq     uint64
	Event   string // "abort", "commit", "recover"
	Subject string // transaction or site id
}

// Journal is an append-only, CRC32-checked event log. It implements
// coordinator.Journal.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	seq  uint64
}

// Open creates or appends to the journal file at path.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: file, buf: bufio.NewWriter(file)}, nil
}

// Record appends one event record, matching the coordinator.Journal
// interface. Errors are swallowed by design: journaling is best-effort
// observability, not a durability mechanism that callers must check.
func (j *Journal) Record(event, subject string) {
	_ = j.append(event, subject)
}

func (j *Journal) append(event, subject string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrJournalClosed
	}

	j.seq++
	rec := Record{Seq: j.seq, Event: event, Subject: subject}
	buf := encodeRecord(rec)
	crc := crc32.ChecksumIEEE(buf)

	if _, err := j.buf.Write(buf); err != nil {
		return err
	}
	if err := binary.Write(j.buf, binary.LittleEndian, crc); err != nil {
		return err
	}
	return j.buf.Flush()
}

// encodeRecord lays out [Seq:8][EventLen:2][Event][SubjectLen:2][Subject].
func encodeRecord(rec Record) []byte {
	event := []byte(rec.Event)
	subject := []byte(rec.Subject)

	buf := make([]byte, 8+2+len(event)+2+len(subject))
	binary.LittleEndian.PutUint64(buf[0:8], rec.Seq)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(event)))
	copy(buf[10:10+len(event)], event)
	offset := 10 + len(event)
	binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(len(subject)))
	copy(buf[offset+2:], subject)
	return buf
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadAll replays every record currently in the journal file, for
// operator tooling and tests — never called by the coordinator itself.
// None of the cmd/ binaries calls it; they only write the journal.
func ReadAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var records []Record
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if err == io.EOF {
				break
			}
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(r *bufio.Reader) (Record, error) {
	header := make([]byte, 10)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, err
	}
	seq := binary.LittleEndian.Uint64(header[0:8])
	eventLen := binary.LittleEndian.Uint16(header[8:10])

	event := make([]byte, eventLen)
	if _, err := io.ReadFull(r, event); err != nil {
		return Record{}, err
	}

	subjectLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, subjectLenBuf); err != nil {
		return Record{}, err
	}
	subjectLen := binary.LittleEndian.Uint16(subjectLenBuf)

	subject := make([]byte, subjectLen)
	if _, err := io.ReadFull(r, subject); err != nil {
		return Record{}, err
	}

	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return Record{}, err
	}

	rec := Record{Seq: seq, Event: string(event), Subject: string(subject)}
	buf := encodeRecord(rec)
	if crc32.ChecksumIEEE(buf) != storedCRC {
		return Record{}, fmt.Errorf("journal record %d: checksum mismatch", seq)
	}
	return rec, nil
}
