package kvm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedExitReason is any error that we do not understand.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrDebug is a debug exit, caused by single step or breakpoint.
	ErrDebug = errors.New("debug exit")
)

// ExitType is a virtual machine exit type.
type ExitType uint

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitTypeNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITS390SIEIC:     "EXITS390SIEIC",
	EXITS390RESET:     "EXITS390RESET",
	EXITDCR:           "EXITDCR",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
}

// String implements fmt.Stringer by hand, looking the value up in
// exitTypeNames; a value with no entry there prints as ExitType(n).
func (e ExitType) String() string {
	if name, ok := exitTypeNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ExitType(%d)", uint(e))
}
