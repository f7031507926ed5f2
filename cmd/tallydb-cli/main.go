// Command tallydb-cli runs a command script in-process against a fresh
// coordinator, or drops into an interactive prompt when no script is
// given.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/tallydb/tallydb/pkg/audit"
	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/coordinator"
	"github.com/tallydb/tallydb/pkg/driver"
)

var (
	flagHelp    bool
	flagScript  string
	flagJournal string
)

func init() {
	flag.BoolVar(&flagHelp, "help", false, "Show help")
	flag.BoolVar(&flagHelp, "h", false, "Show help (short)")
	flag.StringVar(&flagScript, "script", "", "Command script file to run (default: interactive stdin)")
	flag.StringVar(&flagJournal, "journal", "", "Optional path for an audit journal of aborts/commits/recoveries")
}

func main() {
	flag.Parse()

	if flagHelp {
		printHelp()
		return
	}

	clk := clock.New()
	coord := coordinator.New(clk)

	if flagJournal != "" {
		j, err := audit.Open(flagJournal)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening journal: %v\n", err)
			os.Exit(1)
		}
		defer j.Close()
		coord.SetJournal(j)
	}

	d := driver.New(coord, clk)

	if flagScript != "" {
		runScript(d, flagScript)
		return
	}
	runInteractive(d)
}

func printHelp() {
	fmt.Print(`
tallydb-cli

Usage:
  tallydb-cli [options]

Options:
  -h, -help            Show this help message
  -script <path>       Run a command script file instead of reading stdin
  -journal <path>       Append abort/commit/recover events to an audit journal

Command grammar (one per line):
  begin(Tn)             start a read-write transaction
  beginRO(Tn)            start a read-only transaction
  R(Tn,xk)               read variable xk
  W(Tn,xk,value)         write value into xk
  fail(k)                fail site k
  recover(k)              recover site k
  end(Tn)                 commit (RW) or finish (RO) a transaction
  dump()                  print every site's resident variables

Blank lines and lines starting with # or // are ignored.
`)
}

func runScript(d *driver.Driver, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening script: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		execLine(d, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "reading script: %v\n", err)
		os.Exit(1)
	}
}

func runInteractive(d *driver.Driver) {
	fmt.Println("tallydb interactive CLI — type 'dump()' to inspect state, Ctrl-D to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("tallydb> ")
		if !scanner.Scan() {
			break
		}
		execLine(d, scanner.Text())
	}
}

func execLine(d *driver.Driver, line string) {
	out, err := d.Execute(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", line, err)
		return
	}
	if out.Text != "" {
		fmt.Println(out.Text)
	}
}
