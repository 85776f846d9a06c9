// Package cursor persists how far into an event stream a consumer has read,
// so a reconnect resumes instead of replaying everything.
package cursor

type Store interface {
	Set(source string, cursor int64)
	Get(source string) (cursor int64)
}
