// Package store implements the in-memory dataset the scripting core runs
// against, together with the caller identities commands execute under.
// It is the minimal collaborator standing in for the server's keyspace:
// a mutexed map with the command surface scripts need, a read-only
// (replica) mode, and a deep Fork used by forked debugging sessions.
package store

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/caffeineduck/scriptkv/resp"
)

type entry struct {
	kind string // "string" or "list"
	str  string
	list []string
}

// Store is the keyspace. All access goes through Dispatch so that caller
// flags (read-only, replica) are enforced in one place.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*entry
	replica bool
}

func New() *Store {
	return &Store{data: make(map[string]*entry)}
}

// SetReplica switches the store into replica (read-only) mode. Writes are
// then rejected for every caller; no caller is exempt.
func (s *Store) SetReplica(v bool) {
	s.mu.Lock()
	s.replica = v
	s.mu.Unlock()
}

func (s *Store) Replica() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replica
}

// Fork returns a deep copy of the dataset. Mutations on the fork never
// reach the parent; forked debugging sessions run against one.
func (s *Store) Fork() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New()
	c.replica = s.replica
	for k, e := range s.data {
		ne := &entry{kind: e.kind, str: e.str}
		if e.list != nil {
			ne.list = append([]string(nil), e.list...)
		}
		c.data[k] = ne
	}
	return c
}

type command struct {
	arity   int // minimum argc including the command name; negative = exact
	write   bool
	handler func(s *Store, argv [][]byte) resp.Value
}

var commands = map[string]command{
	"ping":     {arity: 1, handler: cmdPing},
	"echo":     {arity: -2, handler: cmdEcho},
	"get":      {arity: -2, handler: cmdGet},
	"set":      {arity: -3, write: true, handler: cmdSet},
	"del":      {arity: 2, write: true, handler: cmdDel},
	"exists":   {arity: 2, handler: cmdExists},
	"strlen":   {arity: -2, handler: cmdStrlen},
	"incr":     {arity: -2, write: true, handler: cmdIncr},
	"incrby":   {arity: -3, write: true, handler: cmdIncrBy},
	"type":     {arity: -2, handler: cmdType},
	"lpush":    {arity: 3, write: true, handler: cmdLPush},
	"rpush":    {arity: 3, write: true, handler: cmdRPush},
	"llen":     {arity: -2, handler: cmdLLen},
	"lrange":   {arity: -4, handler: cmdLRange},
	"keys":     {arity: -2, handler: cmdKeys},
	"dbsize":   {arity: -1, handler: cmdDBSize},
	"flushall": {arity: 1, write: true, handler: cmdFlushAll},
}

// IsWriteCommand reports whether name is a known command that mutates the
// dataset. Unknown commands report false.
func IsWriteCommand(name string) bool {
	cmd, ok := commands[strings.ToLower(name)]
	return ok && cmd.write
}

// Dispatch runs one command under the given caller identity and returns
// the materialized reply. Policy failures (write on read-only caller,
// write on replica) come back as error replies, never panics.
func (s *Store) Dispatch(c *Client, argv [][]byte) resp.Value {
	if len(argv) == 0 {
		return resp.Err("ERR empty command")
	}
	name := strings.ToLower(string(argv[0]))
	cmd, ok := commands[name]
	if !ok {
		return resp.Errf("ERR unknown command '%s'", string(argv[0]))
	}
	if cmd.arity < 0 {
		if len(argv) != -cmd.arity {
			return resp.Errf("ERR wrong number of arguments for '%s' command", name)
		}
	} else if len(argv) < cmd.arity {
		return resp.Errf("ERR wrong number of arguments for '%s' command", name)
	}
	if cmd.write {
		if c != nil && c.DenyWrites() {
			return resp.Errf("ERR Write commands are not allowed from read-only scripts.")
		}
		if s.Replica() {
			return resp.Err("READONLY You can't write against a read only replica.")
		}
		if c != nil {
			c.markWrite()
		}
	}
	return cmd.handler(s, argv)
}

func cmdPing(s *Store, argv [][]byte) resp.Value {
	if len(argv) == 2 {
		return resp.Bulk(argv[1])
	}
	return resp.Simple("PONG")
}

func cmdEcho(s *Store, argv [][]byte) resp.Value {
	return resp.Bulk(argv[1])
}

func cmdGet(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		return resp.Null()
	}
	if e.kind != "string" {
		return wrongType()
	}
	return resp.BulkString(e.str)
}

func cmdSet(s *Store, argv [][]byte) resp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(argv[1])] = &entry{kind: "string", str: string(argv[2])}
	return resp.OK
}

func cmdDel(s *Store, argv [][]byte) resp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range argv[1:] {
		if _, ok := s.data[string(k)]; ok {
			delete(s.data, string(k))
			n++
		}
	}
	return resp.Int(n)
}

func cmdExists(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, k := range argv[1:] {
		if _, ok := s.data[string(k)]; ok {
			n++
		}
	}
	return resp.Int(n)
}

func cmdStrlen(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		return resp.Int(0)
	}
	if e.kind != "string" {
		return wrongType()
	}
	return resp.Int(int64(len(e.str)))
}

func incrBy(s *Store, key string, by int64) resp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		e = &entry{kind: "string", str: "0"}
		s.data[key] = e
	}
	if e.kind != "string" {
		return wrongType()
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return resp.Err("ERR value is not an integer or out of range")
	}
	n += by
	e.str = strconv.FormatInt(n, 10)
	return resp.Int(n)
}

func cmdIncr(s *Store, argv [][]byte) resp.Value {
	return incrBy(s, string(argv[1]), 1)
}

func cmdIncrBy(s *Store, argv [][]byte) resp.Value {
	by, err := strconv.ParseInt(string(argv[2]), 10, 64)
	if err != nil {
		return resp.Err("ERR value is not an integer or out of range")
	}
	return incrBy(s, string(argv[1]), by)
}

func cmdType(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		return resp.Simple("none")
	}
	return resp.Simple(e.kind)
}

func push(s *Store, argv [][]byte, head bool) resp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		e = &entry{kind: "list"}
		s.data[string(argv[1])] = e
	}
	if e.kind != "list" {
		return wrongType()
	}
	for _, v := range argv[2:] {
		if head {
			e.list = append([]string{string(v)}, e.list...)
		} else {
			e.list = append(e.list, string(v))
		}
	}
	return resp.Int(int64(len(e.list)))
}

func cmdLPush(s *Store, argv [][]byte) resp.Value { return push(s, argv, true) }
func cmdRPush(s *Store, argv [][]byte) resp.Value { return push(s, argv, false) }

func cmdLLen(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		return resp.Int(0)
	}
	if e.kind != "list" {
		return wrongType()
	}
	return resp.Int(int64(len(e.list)))
}

func cmdLRange(s *Store, argv [][]byte) resp.Value {
	start, err1 := strconv.Atoi(string(argv[2]))
	stop, err2 := strconv.Atoi(string(argv[3]))
	if err1 != nil || err2 != nil {
		return resp.Err("ERR value is not an integer or out of range")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(argv[1])]
	if !ok {
		return resp.Array()
	}
	if e.kind != "list" {
		return wrongType()
	}
	n := len(e.list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start >= n || start > stop {
		return resp.Array()
	}
	if stop >= n {
		stop = n - 1
	}
	elems := make([]resp.Value, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		elems = append(elems, resp.BulkString(v))
	}
	return resp.Array(elems...)
}

func cmdKeys(s *Store, argv [][]byte) resp.Value {
	pattern := string(argv[1])
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	elems := make([]resp.Value, len(keys))
	for i, k := range keys {
		elems[i] = resp.BulkString(k)
	}
	return resp.Array(elems...)
}

func cmdDBSize(s *Store, argv [][]byte) resp.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resp.Int(int64(len(s.data)))
}

func cmdFlushAll(s *Store, argv [][]byte) resp.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*entry)
	return resp.OK
}

func wrongType() resp.Value {
	return resp.Err("WRONGTYPE Operation against a key holding the wrong kind of value")
}

// matchPattern implements glob-style matching with * and ? only.
func matchPattern(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	return globMatch(pattern, s)
}

func globMatch(p, s string) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			if globMatch(p[1:], s) {
				return true
			}
			if len(s) == 0 {
				return false
			}
			s = s[1:]
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || p[0] != s[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}
