// Command tallydb-demo runs the canonical worked scenarios end to end
// against a fresh coordinator, printing each command and its result.
package main

import (
	"fmt"

	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/coordinator"
	"github.com/tallydb/tallydb/pkg/driver"
)

type scenario struct {
	title string
	lines []string
}

func main() {
	scenarios := []scenario{
		{
			title: "1. Basic commit visibility",
			lines: []string{"begin(T1)", "W(T1,x1,101)", "end(T1)", "dump()"},
		},
		{
			title: "2. Replicated write visible everywhere",
			lines: []string{"begin(T1)", "W(T1,x2,202)", "end(T1)", "dump()"},
		},
		{
			title: "3. Deadlock abort of the younger transaction",
			lines: []string{
				"begin(T1)", "begin(T2)",
				"R(T1,x2)", "R(T2,x4)",
				"W(T1,x4,1)", "W(T2,x2,2)",
			},
		},
		{
			title: "4. Read-only snapshot isolation",
			lines: []string{
				"begin(T1)", "W(T1,x3,77)", "end(T1)",
				"beginRO(T2)",
				"begin(T3)", "W(T3,x3,88)", "end(T3)",
				"R(T2,x3)",
			},
		},
		{
			title: "5. Site failure aborts a toucher",
			lines: []string{"begin(T1)", "W(T1,x6,600)", "fail(3)", "end(T1)", "dump()"},
		},
		{
			title: "6. Recovery drains the waitlist",
			lines: []string{
				"fail(1)", "fail(2)", "fail(3)", "fail(4)", "fail(5)",
				"fail(6)", "fail(7)", "fail(8)", "fail(9)", "fail(10)",
				"begin(T1)", "R(T1,x8)",
				"recover(4)",
				"begin(T2)", "W(T2,x8,808)", "end(T2)",
			},
		},
	}

	for _, s := range scenarios {
		runScenario(s)
	}
}

func runScenario(s scenario) {
	fmt.Println(s.title)
	fmt.Println(dashes(len(s.title)))

	clk := clock.New()
	coord := coordinator.New(clk)
	d := driver.New(coord, clk)

	for _, line := range s.lines {
		out, err := d.Execute(line)
		if err != nil {
			fmt.Printf("  %-24s error: %v\n", line, err)
			continue
		}
		fmt.Printf("  %-24s %s\n", line, out.Text)
	}
	fmt.Println()
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}
