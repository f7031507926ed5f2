// Package driver parses the command-script grammar and dispatches each
// line to a coordinator, advancing its clock exactly once per command.
package driver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/coordinator"
)

// Driver turns command-script lines into coordinator calls.
type Driver struct {
	coord *coordinator.Coordinator
	clock *clock.Clock
}

// New builds a driver over the given coordinator and clock. The clock
// must be the same one the coordinator was constructed with, since the
// driver is the sole place that ticks it.
func New(coord *coordinator.Coordinator, clk *clock.Clock) *Driver {
	return &Driver{coord: coord, clock: clk}
}

// Outcome is the textual and structured result of executing one line.
type Outcome struct {
	Line   string
	Result coordinator.Result
	Dump   *coordinator.DumpResult
	Text   string
}

// Execute parses and dispatches a single line. Blank lines and lines
// starting with # or // are ignored and return a zero Outcome with an
// empty Text.
func (d *Driver) Execute(line string) (Outcome, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return Outcome{Line: line}, nil
	}

	method, args, err := splitCommand(trimmed)
	if err != nil {
		return Outcome{}, fmt.Errorf("parsing %q: %w", line, err)
	}

	d.clock.Tick()

	switch method {
	case "begin":
		if len(args) != 1 {
			return Outcome{}, fmt.Errorf("begin expects 1 argument, got %d", len(args))
		}
		res := d.coord.Begin(args[0])
		return textOutcome(line, res), nil

	case "beginRO":
		if len(args) != 1 {
			return Outcome{}, fmt.Errorf("beginRO expects 1 argument, got %d", len(args))
		}
		res := d.coord.BeginRO(args[0])
		return textOutcome(line, res), nil

	case "R":
		if len(args) != 2 {
			return Outcome{}, fmt.Errorf("R expects 2 arguments, got %d", len(args))
		}
		res := d.coord.Read(args[0], args[1])
		return textOutcome(line, res), nil

	case "W":
		if len(args) != 3 {
			return Outcome{}, fmt.Errorf("W expects 3 arguments, got %d", len(args))
		}
		value, err := strconv.ParseInt(strings.TrimSpace(args[2]), 10, 64)
		if err != nil {
			return Outcome{}, fmt.Errorf("parsing write value %q: %w", args[2], err)
		}
		res := d.coord.Write(args[0], args[1], value)
		return textOutcome(line, res), nil

	case "fail":
		if len(args) != 1 {
			return Outcome{}, fmt.Errorf("fail expects 1 argument, got %d", len(args))
		}
		siteID, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return Outcome{}, fmt.Errorf("parsing site id %q: %w", args[0], err)
		}
		res := d.coord.Fail(siteID)
		return textOutcome(line, res), nil

	case "recover":
		if len(args) != 1 {
			return Outcome{}, fmt.Errorf("recover expects 1 argument, got %d", len(args))
		}
		siteID, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil {
			return Outcome{}, fmt.Errorf("parsing site id %q: %w", args[0], err)
		}
		res := d.coord.Recover(siteID)
		return textOutcome(line, res), nil

	case "end":
		if len(args) != 1 {
			return Outcome{}, fmt.Errorf("end expects 1 argument, got %d", len(args))
		}
		res := d.coord.End(args[0])
		return textOutcome(line, res), nil

	case "dump":
		dump := d.coord.Dump()
		return Outcome{Line: line, Dump: &dump, Text: formatDump(dump)}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown command %q", method)
	}
}

// splitCommand turns "W(T1,x1,101)" into ("W", ["T1", "x1", "101"]).
func splitCommand(s string) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("malformed command %q", s)
	}
	method := strings.TrimSpace(s[:open])
	inner := s[open+1 : len(s)-1]
	if strings.TrimSpace(inner) == "" {
		return method, nil, nil
	}
	parts := strings.Split(inner, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return method, parts, nil
}

func textOutcome(line string, res coordinator.Result) Outcome {
	return Outcome{Line: line, Result: res, Text: formatResult(res)}
}

func formatResult(res coordinator.Result) string {
	switch res.Status {
	case coordinator.StatusSuccess:
		if res.HasValue {
			return fmt.Sprintf("%s: %d", res.Writer, res.Value)
		}
		return "success"
	case coordinator.StatusWaitlisted:
		return "waitlisted: " + res.Message
	case coordinator.StatusAlreadyAborted:
		return "aborted state: " + res.Message
	case coordinator.StatusDeadlockAbort:
		return "deadlock: " + res.Message
	case coordinator.StatusFailureCascadeAbort:
		return "aborted (site failure): " + res.Message
	case coordinator.StatusEnded:
		return res.Message
	case coordinator.StatusUnknownTransaction:
		return "unknown transaction: " + res.Message
	case coordinator.StatusUnknownSite:
		return "unknown site: " + res.Message
	default:
		return res.Message
	}
}

func formatDump(dump coordinator.DumpResult) string {
	var b strings.Builder
	for sid := 1; sid <= coordinator.NumSites; sid++ {
		fmt.Fprintf(&b, "site %d:", sid)
		vars := dump.Sites[sid]
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entry := vars[name]
			fmt.Fprintf(&b, " %s=%d(%s)", name, entry.Value, entry.Writer)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "fingerprint: %s\n", dump.Fingerprint)
	return b.String()
}
