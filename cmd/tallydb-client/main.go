// Command tallydb-client connects to a tallydb-server over TCP and
// forwards command lines from stdin or a script file, printing the
// server's results.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/tallydb/tallydb/pkg/wire"
)

func main() {
	var (
		address = flag.String("addr", "127.0.0.1:7777", "server address")
		script  = flag.String("script", "", "command script file (default: stdin)")
	)
	flag.Parse()

	conn, err := net.Dial("tcp", *address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dialing %s: %v\n", *address, err)
		os.Exit(1)
	}
	defer conn.Close()

	var src io.Reader = os.Stdin
	if *script != "" {
		f, err := os.Open(*script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening script: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		src = f
	}

	scanner := bufio.NewScanner(src)
	reader := bufio.NewReader(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if err := sendCommand(conn, line); err != nil {
			fmt.Fprintf(os.Stderr, "sending %q: %v\n", line, err)
			continue
		}
		res, err := readResult(reader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading response to %q: %v\n", line, err)
			continue
		}
		if res.Status != "" {
			fmt.Println(res.Status)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
		os.Exit(1)
	}
}

func sendCommand(conn net.Conn, line string) error {
	payload, err := wire.Encode(wire.NewCommandMessage(line))
	if err != nil {
		return err
	}
	length := uint32(1 + len(payload))
	if err := binary.Write(conn, binary.LittleEndian, length); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.LittleEndian, wire.MsgCommand); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

func readResult(r *bufio.Reader) (wire.ResultMessage, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return wire.ResultMessage{}, err
	}
	msgType, err := r.ReadByte()
	if err != nil {
		return wire.ResultMessage{}, err
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wire.ResultMessage{}, err
	}

	switch wire.MsgType(msgType) {
	case wire.MsgResult:
		var res wire.ResultMessage
		if err := wire.Decode(payload, &res); err != nil {
			return wire.ResultMessage{}, err
		}
		return res, nil
	case wire.MsgError:
		var errMsg wire.ErrorMessage
		if err := wire.Decode(payload, &errMsg); err != nil {
			return wire.ResultMessage{}, err
		}
		return wire.ResultMessage{}, fmt.Errorf("server error %d: %s", errMsg.Code, errMsg.Message)
	default:
		return wire.ResultMessage{}, fmt.Errorf("unexpected message type %d", msgType)
	}
}
