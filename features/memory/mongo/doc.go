// Package mongo provides the MongoDB-backed message-summary store. It keeps
// one document per processed message under a per-agent index so history
// queries stay cheap, and exposes the connection as a health pinger.
package mongo
