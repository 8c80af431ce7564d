package backend

import (
	"fmt"
	"strings"
)

type Scenario int

const (
	SingleStream Scenario = iota
	Offline
	MultiStream
	Server
)

var scenarioNames = map[Scenario]string{
	SingleStream: "SingleStream",
	Offline:      "Offline",
	MultiStream:  "MultiStream",
	Server:       "Server",
}

func (s Scenario) String() string {
	if name, ok := scenarioNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scenario(%d)", int(s))
}

// ParseScenario accepts the harness names case-insensitively.
func ParseScenario(s string) (Scenario, error) {
	for sc, name := range scenarioNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return sc, nil
		}
	}
	return 0, fmt.Errorf("unknown scenario %q", s)
}

// pooled reports whether the scenario runs on a request pool.
func (s Scenario) pooled() bool { return s != SingleStream }
