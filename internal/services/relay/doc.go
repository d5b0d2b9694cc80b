// Package relay implements real-time call distribution between customers,
// storage partners, and delivery drivers.
//
// It keeps WebSocket lifecycle, call state, and role-directed fan-out
// isolated from matching policy so client applications remain the source of
// truth for assignment and display decisions.
package relay
