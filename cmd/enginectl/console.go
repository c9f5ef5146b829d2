/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/launix-de/raftstore/engine"
)

const (
	prompt       = "\033[32m>\033[0m "
	resultprompt = "\033[31m=\033[0m "
)

// runConsole is a small command REPL, grounded on scm.Repl's readline loop
// and anti-panic wrapper, but driving the Engine's public contract (apply,
// read, health) instead of a Scheme evaluator.
func runConsole(eng *engine.Engine) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       ".enginectl-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Println("enginectl console -- commands: apply, read, iterate, health, exit")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		runConsoleLine(eng, line)
	}
}

func runConsoleLine(eng *engine.Engine, line string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Println("panic:", r)
		}
	}()

	fields := strings.Fields(line)
	switch fields[0] {
	case "apply":
		// apply <aggregate> <event_type> <json_payload...>
		if len(fields) < 4 {
			fmt.Println("usage: apply <aggregate> <event_type> <json_payload>")
			return
		}
		payload := strings.Join(fields[3:], " ")
		if !json.Valid([]byte(payload)) {
			fmt.Println("payload is not valid JSON")
			return
		}
		state, outcome, err := eng.ApplyEvent(fields[1], fields[2], "", []byte(payload), "")
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Print(resultprompt)
		fmt.Printf("outcome=%v state=%+v\n", outcome, state)
	case "read":
		if len(fields) != 2 {
			fmt.Println("usage: read <aggregate>")
			return
		}
		state, release, err := eng.ReadState(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		defer release()
		fmt.Print(resultprompt)
		fmt.Printf("%+v\n", state)
	case "iterate":
		if len(fields) != 2 {
			fmt.Println("usage: iterate <aggregate>")
			return
		}
		result, err := eng.IterateEvents(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		for _, env := range result.Envelopes {
			fmt.Printf("  %s %s %s\n", env.EventID, env.EventType, string(env.Payload))
		}
	case "health":
		if len(fields) != 2 {
			fmt.Println("usage: health <aggregate>")
			return
		}
		h, err := eng.Health(fields[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Print(resultprompt)
		fmt.Printf("%+v\n", h)
	default:
		fmt.Println("unknown command:", fields[0])
	}
}
