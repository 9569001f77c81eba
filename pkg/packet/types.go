package packet

// Type identifies the kind of payload a packet carries. The dispatch table
// in the cerver is indexed by this value.
type Type uint32

const (
	// TypeNone marks a packet whose type has not been set.
	TypeNone Type = 0

	// TypeCerver carries cerver control traffic (info, ping, teardown notify).
	TypeCerver Type = 1

	// TypeClient carries client control traffic (close connection, disconnect).
	TypeClient Type = 2

	// TypeError carries an ErrorPayload.
	TypeError Type = 3

	// TypeRequest carries file and resource requests.
	TypeRequest Type = 4

	// TypeAuth drives the authentication challenge/response.
	TypeAuth Type = 5

	// TypeGame carries game traffic (lobby and gameplay).
	TypeGame Type = 6

	// TypeApp carries application-defined traffic.
	TypeApp Type = 7

	// TypeAppError carries application-defined error traffic.
	TypeAppError Type = 8

	// TypeCustom carries traffic the framework does not interpret at all.
	TypeCustom Type = 9

	// TypeTest is reserved for connectivity testing.
	TypeTest Type = 100
)

// MaxType is one past the highest dispatchable type value; the handler
// table is sized by it. TypeTest lies above it and has no slot.
const MaxType = 10

// Slot returns the handler-table index for the type, or -1 for types that
// have no slot.
func (t Type) Slot() int {
	if t < MaxType {
		return int(t)
	}
	return -1
}

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeCerver:
		return "cerver"
	case TypeClient:
		return "client"
	case TypeError:
		return "error"
	case TypeRequest:
		return "request"
	case TypeAuth:
		return "auth"
	case TypeGame:
		return "game"
	case TypeApp:
		return "app"
	case TypeAppError:
		return "app-error"
	case TypeCustom:
		return "custom"
	case TypeTest:
		return "test"
	default:
		return "unknown"
	}
}

// Requests carried by TypeCerver packets.
const (
	// CerverInfo carries the welcome message right after accept.
	CerverInfo uint32 = iota

	// CerverTeardown is the teardown notification. The cerver does not
	// send it on teardown; one received from a peer is logged and ignored.
	CerverTeardown

	// CerverPing asks for a pong back.
	CerverPing

	// CerverPong answers a ping.
	CerverPong

	// CerverReport asks for a stats report.
	CerverReport
)

// Requests carried by TypeAuth packets.
const (
	// AuthRequest asks the peer to present credentials.
	AuthRequest uint32 = iota

	// AuthCredentials carries the peer's credentials.
	AuthCredentials

	// AuthSuccess confirms authentication.
	AuthSuccess

	// AuthFailure rejects the presented credentials.
	AuthFailure

	// AuthAdminCredentials carries credentials for the admin plane. A
	// successful check promotes the connection into it.
	AuthAdminCredentials
)

// RequestNone is the request value of packets that carry no subtype.
const RequestNone uint32 = 0
