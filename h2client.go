// Package h2client implements the client side of the HTTP/2 wire
// protocol over a TLS transport negotiated via ALPN.
//
// A Conn multiplexes streams over one connection: a single reader
// goroutine de-frames the inbound byte stream and fans frames out to
// per-stream mailboxes, a single writer goroutine serializes outbound
// frames, and both ends of the HPACK state are confined to those two
// goroutines so the dynamic tables advance in wire order. Flow-control
// windows are tracked per stream and per connection in both directions.
//
// Use a Dialer to establish connections, Conn.StartStream to open
// request streams, and ConfigureClient to plug the whole thing under a
// fasthttp.HostClient.
package h2client
