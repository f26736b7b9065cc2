// Package transport carries the plugin bridge: newline-delimited JSON-RPC 2.0
// over stdio, or one JSON-RPC message per frame over WebSocket.
//
// Both transports expose the same channel-based Transport interface. A host
// reads requests from Recv and answers them with Send, in any order and from
// any goroutine:
//
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	go t.Run(ctx)
//
//	for msg := range t.Recv() {
//	    if msg.Request != nil {
//	        t.Send(transport.Reply(msg.Request.ID, result))
//	    }
//	}
//
// Malformed input never reaches Recv: the transport answers it directly
// with a JSON-RPC error response.
//
// All methods are safe for concurrent use. Recv is closed when the input
// side ends or the transport shuts down. Messages queued with Send before
// Close are flushed before Run returns.
package transport
