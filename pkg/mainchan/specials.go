package mainchan

// SpecialCode identifies one entry in the session's special-command menu:
// out-of-band actions a user interface can offer beyond the ordinary data
// stream.
type SpecialCode int

const (
	// SpecialEOF sends end-of-input on the session's stdin.
	SpecialEOF SpecialCode = iota
	// SpecialBreak sends a serial break; the argument is the break length in
	// milliseconds, 0 for the server default.
	SpecialBreak
	// SpecialSeparator is a menu divider, not a command.
	SpecialSeparator
	// SpecialSignal is the base for signal specials; concrete signals follow.
	SpecialSignal

	SpecialSigABRT
	SpecialSigALRM
	SpecialSigFPE
	SpecialSigHUP
	SpecialSigILL
	SpecialSigINT
	SpecialSigKILL
	SpecialSigPIPE
	SpecialSigQUIT
	SpecialSigSEGV
	SpecialSigTERM
	SpecialSigUSR1
	SpecialSigUSR2
)

// Special is one entry in the special-command menu. A Special with
// Code == SpecialSeparator and an empty Label is a divider.
type Special struct {
	Label string
	Code  SpecialCode
}

// signalSpecials lists the catchable-signal menu entries in the order they
// are presented.
var signalSpecials = []struct {
	code SpecialCode
	name string
}{
	{SpecialSigINT, "INT"},
	{SpecialSigTERM, "TERM"},
	{SpecialSigKILL, "KILL"},
	{SpecialSigQUIT, "QUIT"},
	{SpecialSigHUP, "HUP"},
	{SpecialSigABRT, "ABRT"},
	{SpecialSigALRM, "ALRM"},
	{SpecialSigFPE, "FPE"},
	{SpecialSigILL, "ILL"},
	{SpecialSigPIPE, "PIPE"},
	{SpecialSigSEGV, "SEGV"},
	{SpecialSigUSR1, "USR1"},
	{SpecialSigUSR2, "USR2"},
}

// GetSpecials returns the menu of special commands currently available on
// the session. The break and signal entries exist only when the negotiated
// protocol can express them.
func (mc *MainChan) GetSpecials() []Special {
	specials := []Special{
		{Label: "EOF", Code: SpecialEOF},
	}
	if mc.handle.GetConf().ProtoVersion < 2 {
		return specials
	}
	specials = append(specials,
		Special{Label: "Break", Code: SpecialBreak},
		Special{Code: SpecialSeparator},
	)
	for _, s := range signalSpecials {
		specials = append(specials, Special{Label: "SIG" + s.name, Code: s.code})
	}
	return specials
}

// SpecialCmd performs one special command. arg is only meaningful for
// SpecialBreak, where it is the break length in milliseconds. Specials the
// protocol cannot express, or that are meaningless in the current state,
// are ignored.
func (mc *MainChan) SpecialCmd(code SpecialCode, arg int) {
	if mc.state == StateClosing || mc.state == StateClosed {
		return
	}
	switch {
	case code == SpecialEOF:
		mc.WriteEOF()
	case code == SpecialBreak:
		if !mc.handle.SendSerialBreak(false, arg) {
			mc.log.WLogf("Protocol cannot express a serial break, ignoring")
		}
	default:
		for _, s := range signalSpecials {
			if s.code == code {
				if !mc.handle.SendSignal(false, s.name) {
					mc.log.WLogf("Protocol cannot express signals, ignoring SIG%s", s.name)
				}
				return
			}
		}
		mc.log.WLogf("Unknown special command %d, ignoring", int(code))
	}
}
