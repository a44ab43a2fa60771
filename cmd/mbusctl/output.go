package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/CiaranWoodward/mbus/msg"
)

// printer serialises output from the interactive loop and the dispatch loop
type printer struct {
	json bool
	mu   sync.Mutex
}

// Print text, or v as one JSON line in --json mode
func (p *printer) print(v interface{}, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		b, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
			return
		}
		fmt.Println(string(b))
		return
	}
	fmt.Printf(format+"\n", args...)
}

type errorOutput struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (p *printer) fail(err error) {
	st := msg.StatusOf(err)
	p.print(errorOutput{Error: err.Error(), Status: int(st)}, "Error: %v", err)
}
