package protocol

import (
	"encoding/binary"
	"slices"
	"time"
)

// Protocol version spoken by this implementation.
const (
	MajorVersion = 1
	MinorVersion = 6
)

// Message formats. The first four bytes of every message except the
// hello pair are the opcode.
const (
	// Server -> client greeting: major, minor.
	MsgHello = "Barrier%2i%2i"
	// Client -> server greeting reply: major, minor, screen name.
	MsgHelloBack = "Barrier%2i%2i%s"

	MsgCNoop         = "CNOP"
	MsgCClose        = "CBYE"
	MsgCEnter        = "CINN%2i%2i%4i%2i" // x, y, seq, toggle mask
	MsgCLeave        = "COUT"
	MsgCClipboard    = "CCLP%1i%4i" // clipboard id, seq
	MsgCScreenSaver  = "CSEC%1i"    // 1 = started, 0 = stopped
	MsgCResetOptions = "CROP"
	MsgCInfoAck      = "CIAK"
	MsgCKeepAlive    = "CALV"

	MsgDKeyDown      = "DKDN%2i%2i%2i"    // key id, mask, button
	MsgDKeyRepeat    = "DKRP%2i%2i%2i%2i" // key id, mask, count, button
	MsgDKeyUp        = "DKUP%2i%2i%2i"    // key id, mask, button
	MsgDMouseDown    = "DMDN%1i"          // button
	MsgDMouseUp      = "DMUP%1i"          // button
	MsgDMouseMove    = "DMMV%2i%2i"       // absolute x, y
	MsgDMouseRelMove = "DMRM%2i%2i"       // dx, dy
	MsgDMouseWheel   = "DMWM%2i%2i"       // x delta, y delta
	MsgDClipboard    = "DCLP%1i%4i%1i%s"  // id, seq, mark, data
	MsgDInfo         = "DINF%2i%2i%2i%2i%2i%2i%2i"
	MsgDSetOptions   = "DSOP%4I" // flattened id/value pairs

	MsgQInfo = "QINF"

	MsgEIncompatible = "EICV%2i%2i" // server major, minor
	MsgEBusy         = "EBSY"
	MsgEUnknown      = "EUNK"
	MsgEBad          = "EBAD"
)

// Opcodes for dispatching on the first four bytes of a message.
const (
	OpCNoop         = "CNOP"
	OpCClose        = "CBYE"
	OpCEnter        = "CINN"
	OpCLeave        = "COUT"
	OpCClipboard    = "CCLP"
	OpCScreenSaver  = "CSEC"
	OpCResetOptions = "CROP"
	OpCInfoAck      = "CIAK"
	OpCKeepAlive    = "CALV"
	OpDKeyDown      = "DKDN"
	OpDKeyRepeat    = "DKRP"
	OpDKeyUp        = "DKUP"
	OpDMouseDown    = "DMDN"
	OpDMouseUp      = "DMUP"
	OpDMouseMove    = "DMMV"
	OpDMouseRelMove = "DMRM"
	OpDMouseWheel   = "DMWM"
	OpDClipboard    = "DCLP"
	OpDInfo         = "DINF"
	OpDSetOptions   = "DSOP"
	OpQInfo         = "QINF"
	OpEIncompatible = "EICV"
	OpEBusy         = "EBSY"
	OpEUnknown      = "EUNK"
	OpEBad          = "EBAD"
)

// Opcode returns the four-byte opcode at the start of msg, or "" if msg
// is shorter than that.
func Opcode(msg []byte) string {
	if len(msg) < 4 {
		return ""
	}
	return string(msg[:4])
}

// Timing constants.
const (
	KeepAliveRate        = 3 * time.Second
	KeepAlivesUntilDeath = 3
	HelloTimeout         = 30 * time.Second
	MaxHelloLength       = 1024
)

// Clipboard ids.
const (
	ClipboardClipboard uint8 = 0
	ClipboardSelection uint8 = 1
	NumClipboards            = 2
)

// OptionID names a server-pushed option. It is the big-endian value of
// a four-character code.
type OptionID uint32

// OptionCode packs a four-character code into an OptionID.
func OptionCode(code string) OptionID {
	var b [4]byte
	copy(b[:], code)
	return OptionID(binary.BigEndian.Uint32(b[:]))
}

func (id OptionID) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return string(b[:])
}

// Options understood by clients.
var (
	OptionHalfDuplexCapsLock   = OptionCode("HDCL")
	OptionHalfDuplexNumLock    = OptionCode("HDNL")
	OptionHalfDuplexScrollLock = OptionCode("HDSL")
	OptionModifierMapForShift  = OptionCode("MMFS")
	OptionModifierMapForCtrl   = OptionCode("MMFC")
	OptionModifierMapForAlt    = OptionCode("MMFA")
	OptionModifierMapForAltGr  = OptionCode("MMFG")
	OptionModifierMapForMeta   = OptionCode("MMFM")
	OptionModifierMapForSuper  = OptionCode("MMFR")
	OptionHeartbeat            = OptionCode("HART")
	OptionScreenSaverSync      = OptionCode("SSVR")
	OptionClipboardSharing     = OptionCode("CLPS")
	OptionRelativeMouseMoves   = OptionCode("MDLT")
)

// ModifierIDs used as values of the MMF* options.
const (
	ModifierIDNone    = 0
	ModifierIDShift   = 1
	ModifierIDControl = 2
	ModifierIDAlt     = 3
	ModifierIDMeta    = 4
	ModifierIDSuper   = 5
	ModifierIDAltGr   = 6
)

// Options is a set of option values, encoded on the wire as a flat list
// of id/value pairs.
type Options map[OptionID]uint32

// Flatten returns the DSOP payload for opts, ordered by option id so the
// encoding is stable.
func (opts Options) Flatten() []uint32 {
	ids := make([]uint32, 0, len(opts))
	for id := range opts {
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	out := make([]uint32, 0, 2*len(opts))
	for _, id := range ids {
		out = append(out, id, opts[OptionID(id)])
	}
	return out
}

// ParseOptions rebuilds an Options set from a DSOP payload. A trailing
// unpaired value is ignored.
func ParseOptions(flat []uint32) Options {
	opts := make(Options, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		opts[OptionID(flat[i])] = flat[i+1]
	}
	return opts
}
