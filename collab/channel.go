package collab

// Channel is the outbound half of one participant's connection. The transport
// owns the real socket; sessions only ever push messages through this handle.
//
// Send must not block. Implementations enqueue into a bounded buffer and
// return an error once the participant can no longer accept messages; the
// session treats that error as the participant having left.
type Channel interface {
	Send(msg ServerMessage) error
}
