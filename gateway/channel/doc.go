/*
Package channel provides a client and server for the persistent event channel of the gateway. It uses WebSockets for bidi messaging so it shares the HTTP(S) server of the REST API.

Every WebSocket message is a JSON envelope with an event name, an optional correlation id, and an optional event-specific payload (see types.go). The server answers each inbound event with exactly one reply event carrying the same id. Monitoring output is pushed as additional events without an id, identified by the session they belong to.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends request events at any time, without waiting for earlier replies. Each one is handled on its own goroutine, so replies can arrive in any order.
3. Unknown or malformed events are answered with an "error" event, the connection stays open.
4. Either side closes the connection when it is done.

Monitoring sessions are scoped to the connection: if the connection dies for any reason, its sessions are stopped and their producers killed.
*/
package channel
