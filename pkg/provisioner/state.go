package provisioner

import "fmt"

// State is how far provisioning of an owner's swap contract has progressed.
type State int

const (
	Unregistered State = iota
	Deployed
	Initialized
	Funded
	Registered
)

var stateNames = [...]string{
	Unregistered: "Unregistered",
	Deployed:     "Deployed",
	Initialized:  "Initialized",
	Funded:       "Funded",
	Registered:   "Registered",
}

func (s State) String() string {
	if s < Unregistered || s > Registered {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(name string) (State, error) {
	if name == "" {
		return Unregistered, nil
	}
	for s, n := range stateNames {
		if n == name {
			return State(s), nil
		}
	}
	return Unregistered, fmt.Errorf("unknown provisioning state %q", name)
}
