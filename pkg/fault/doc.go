/*
Package fault defines the error categories surfaced to the message bus.

Every failure that reaches a caller is reduced to a Kind plus a message,
which the bus adapter serializes as an error reply:

	{"type": "ResourceExhausted", "message": "requested 3 ports, 1 free"}

Internal packages create kinded errors with fault.New or fault.Wrap and
test for them with fault.Is; errors without a kind fall back to
InternalError rather than leaking Go error text into the reply type.
*/
package fault
