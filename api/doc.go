// Package api holds the wire types shared by the HTTP gateway, the gRPC
// surface, the queue consumer and the built-in application.
package api
