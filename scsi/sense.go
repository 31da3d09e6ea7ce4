package scsi

import "fmt"

// CommandError is an error value carrying a sense triple and a message. The
// Dispatcher's command handlers do not return it: they record the sense
// triple in the unit's sense state directly and report failure through
// Outcome.Failed.
type CommandError struct {
	SenseKey uint8
	ASC      uint8
	ASCQ     uint8
	Msg      string
}

func (e *CommandError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("scsi: sense %02x/%02x/%02x", e.SenseKey, e.ASC, e.ASCQ)
}

// NewCommandError builds a CommandError from a sense triple.
func NewCommandError(key, asc, ascq uint8, msg string) *CommandError {
	return &CommandError{SenseKey: key, ASC: asc, ASCQ: ascq, Msg: msg}
}

// senseState holds the sense data that REQUEST SENSE reports for the unit,
// cleared to NO SENSE after each successful read.
type senseState struct {
	key, asc, ascq uint8
}

func (s *senseState) set(key, asc, ascq uint8) {
	s.key, s.asc, s.ascq = key, asc, ascq
}

func (s *senseState) clear() {
	s.set(SenseNoSense, ASCNoAdditionalInfo, ASCQNone)
}
