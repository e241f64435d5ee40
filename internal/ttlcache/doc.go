// Package ttlcache provides a thread-safe, size-bounded cache whose entries
// expire after a fixed time-to-live. It backs button token lookup and
// inbound event de-duplication.
package ttlcache
