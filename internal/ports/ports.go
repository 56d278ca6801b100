// Package ports defines the typed port model shared by every device-family
// codec: a tagged PortKind variant instead of the original's deep
// inheritance tree (Port -> AudioPort/MidiPort/ControlPort cross-joined
// with per-family PortInfo), per the spec's design notes.
package ports

// Direction is the data-flow direction of a port relative to the host.
type Direction int

const (
	DirectionCapture  Direction = iota // device -> host (a receive stream's port)
	DirectionPlayback                  // host -> device (a transmit stream's port)
)

// Kind identifies what a port carries.
type Kind int

const (
	KindAudio Kind = iota
	KindMIDI
	KindControl
)

// Signalling describes when a port's buffer becomes valid to the client.
type Signalling int

const (
	// PeriodSignalled ports (audio) are only touched by the client thread
	// once per period.
	PeriodSignalled Signalling = iota
	// PacketSignalled ports (MIDI) are touched on every packet and need
	// their own SPSC buffering between the ISO and client threads.
	PacketSignalled
)

// DataType is the client-visible sample representation of an audio port's
// buffer.
type DataType int

const (
	Int24 DataType = iota
	Float32
)

// Port is one typed input or output stream endpoint. Codecs decode/encode
// against Position/Width; the client reads/writes Int32Buffer,
// Float32Buffer or Bytes.
type Port struct {
	Name       string
	Kind       Kind
	Direction  Direction
	Signalling Signalling

	// Position is the byte offset of this port's data within a wire event.
	Position int
	// Width is the wire width in bytes of one sample/slot at Position.
	Width int

	// BufferFrames is this port's client-visible buffer size in frames;
	// invariantly equal to the owning manager's configured period.
	BufferFrames int
	DataType     DataType

	disabled bool

	// Int32Buffer/Float32Buffer are the client-visible frame buffer. For Int24 audio ports it
	// holds BufferFrames int32 samples (sign-extended 24-bit); for
	// Float32 ports, BufferFrames float32 samples; MIDI/Control ports use
	// Bytes instead.
	Int32Buffer   []int32
	Float32Buffer []float32
	Bytes         []byte
}

// NewAudio constructs an audio port. Per the spec's port invariants, audio
// ports are always PeriodSignalled.
func NewAudio(name string, dir Direction, position, width int, periodFrames int, dt DataType) *Port {
	p := &Port{
		Name:         name,
		Kind:         KindAudio,
		Direction:    dir,
		Signalling:   PeriodSignalled,
		Position:     position,
		Width:        width,
		BufferFrames: periodFrames,
		DataType:     dt,
	}
	switch dt {
	case Float32:
		p.Float32Buffer = make([]float32, periodFrames)
	default:
		p.Int32Buffer = make([]int32, periodFrames)
	}
	return p
}

// NewMIDI constructs a MIDI port. Per the spec's port invariants, MIDI
// ports are always PacketSignalled; bufferFrames sets the initial capacity
// of its Bytes slice, which grows by append.
func NewMIDI(name string, dir Direction, position int, bufferFrames int) *Port {
	return &Port{
		Name:         name,
		Kind:         KindMIDI,
		Direction:    dir,
		Signalling:   PacketSignalled,
		Position:     position,
		Width:        1,
		BufferFrames: bufferFrames,
		Bytes:        make([]byte, 0, bufferFrames),
	}
}

// NewControl constructs a control port.
func NewControl(name string, dir Direction, position, width, periodFrames int) *Port {
	return &Port{
		Name:         name,
		Kind:         KindControl,
		Direction:    dir,
		Signalling:   PeriodSignalled,
		Position:     position,
		Width:        width,
		BufferFrames: periodFrames,
		Bytes:        make([]byte, periodFrames*width),
	}
}

// IsDisabled reports whether the port is currently disabled. A disabled
// output port must still be encoded (as silence); a disabled input port
// may be skipped on decode.
func (p *Port) IsDisabled() bool { return p.disabled }

// SetDisabled enables/disables the port.
func (p *Port) SetDisabled(v bool) { p.disabled = v }
