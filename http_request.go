package webserv

import (
	"bytes"
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"strings"
)

type parseResult int

const (
	// parseAgain means the terminator is not in the buffer yet; re-arm
	// for read and come back.
	parseAgain parseResult = iota
	parseOK
	parseError
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateFinish
)

var crlf = []byte("\r\n")

// Pages addressable without the .html suffix.
var defaultHTML = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
}

// Form endpoints; the tag selects login (1) vs register (0).
var defaultHTMLTag = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

// HttpRequest parses a request progressively as bytes arrive. Committed
// bytes are retrieved from the buffer and never re-scanned.
type HttpRequest struct {
	state   parseState
	method  string
	path    string
	version string
	headers map[string]string
	body    []byte
	post    map[string]string
	code    int
}

// Init resets the request for a fresh exchange.
func (r *HttpRequest) Init() {
	r.state = stateRequestLine
	r.method, r.path, r.version = "", "", ""
	r.headers = make(map[string]string)
	r.body = nil
	r.post = nil
	r.code = 200
}

// Parse advances the state machine over the buffer's readable bytes.
// pool is consulted only for login/register form posts.
func (r *HttpRequest) Parse(buf *Buffer, pool *SqlPool, logger *Log) parseResult {
	for r.state != stateFinish {
		switch r.state {
		case stateRequestLine:
			p := buf.Peek()
			idx := bytes.Index(p, crlf)
			if idx < 0 {
				return parseAgain
			}
			line := string(p[:idx])
			buf.Retrieve(idx + 2)
			if !r.parseRequestLine(line) {
				return parseError
			}
			r.parsePath()
			r.state = stateHeaders

		case stateHeaders:
			p := buf.Peek()
			idx := bytes.Index(p, crlf)
			if idx < 0 {
				return parseAgain
			}
			line := string(p[:idx])
			buf.Retrieve(idx + 2)
			if line == "" {
				if r.method == "POST" && r.contentLength() > 0 {
					r.state = stateBody
				} else {
					r.state = stateFinish
				}
				continue
			}
			if !r.parseHeader(line) {
				return parseError
			}

		case stateBody:
			need := r.contentLength() - len(r.body)
			p := buf.Peek()
			if len(p) > need {
				p = p[:need]
			}
			r.body = append(r.body, p...)
			buf.Retrieve(len(p))
			if len(r.body) < r.contentLength() {
				return parseAgain
			}
			r.parsePost(pool, logger)
			r.state = stateFinish
		}
	}
	return parseOK
}

// parseRequestLine handles "METHOD SP path SP HTTP/version".
func (r *HttpRequest) parseRequestLine(line string) bool {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return false
	}
	if parts[0] != "GET" && parts[0] != "POST" {
		return false
	}
	version, ok := strings.CutPrefix(parts[2], "HTTP/")
	if !ok || parts[1] == "" {
		return false
	}
	r.method, r.path, r.version = parts[0], parts[1], version
	return true
}

func (r *HttpRequest) parsePath() {
	if r.path == "/" {
		r.path = "/index.html"
		return
	}
	if _, ok := defaultHTML[r.path]; ok {
		r.path += ".html"
	}
}

func (r *HttpRequest) parseHeader(line string) bool {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return false
	}
	key := line[:idx]
	val := strings.TrimLeft(line[idx+1:], " ")
	r.headers[key] = val
	return true
}

func (r *HttpRequest) contentLength() int {
	n, err := strconv.Atoi(r.headers["Content-Length"])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parsePost decodes a urlencoded form and, on the login/register pages,
// verifies credentials against the pool. Failure rewrites the target to
// the error page with a 403.
func (r *HttpRequest) parsePost(pool *SqlPool, logger *Log) {
	if r.method != "POST" || r.headers["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	values, err := url.ParseQuery(string(r.body))
	if err != nil {
		logger.Warn("bad form body from client: %s", err.Error())
		return
	}
	r.post = make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			r.post[k] = v[0]
		}
	}
	tag, ok := defaultHTMLTag[r.path]
	if !ok {
		return
	}
	isLogin := tag == 1
	if userVerify(pool, r.post["username"], r.post["password"], isLogin, logger) {
		r.path = "/welcome.html"
	} else {
		r.path = "/error.html"
		r.code = 403
	}
}

// userVerify checks a login or claims a new username. Both statements are
// parameterised; credentials never reach the SQL text.
func userVerify(pool *SqlPool, name, pwd string, isLogin bool, logger *Log) bool {
	if pool == nil || name == "" || pwd == "" {
		return false
	}
	logger.Debug("verify user %s, login:%v", name, isLogin)

	ctx := context.Background()
	conn, release, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("sqlpool acquire: %s", err.Error())
		return false
	}
	defer release()

	var dbUser, dbPwd string
	err = conn.QueryRowContext(ctx,
		"SELECT username, password FROM user WHERE username=? LIMIT 1", name).
		Scan(&dbUser, &dbPwd)
	if isLogin {
		if err != nil {
			if err != sql.ErrNoRows {
				logger.Error("user select: %s", err.Error())
			}
			return false
		}
		return dbPwd == pwd
	}
	// register: the name must be free
	if err == nil {
		return false
	}
	if err != sql.ErrNoRows {
		logger.Error("user select: %s", err.Error())
		return false
	}
	if _, err = conn.ExecContext(ctx,
		"INSERT INTO user(username, password) VALUES(?, ?)", name, pwd); err != nil {
		logger.Error("user insert: %s", err.Error())
		return false
	}
	return true
}

// Method returns the request method.
func (r *HttpRequest) Method() string { return r.method }

// Path returns the resolved target path.
func (r *HttpRequest) Path() string { return r.path }

// Version returns the HTTP version, e.g. "1.1".
func (r *HttpRequest) Version() string { return r.version }

// Code is 200, or 403 after a failed login/register.
func (r *HttpRequest) Code() int { return r.code }

// GetPost returns a decoded form field.
func (r *HttpRequest) GetPost(key string) string { return r.post[key] }

// IsKeepAlive is decided solely by the Connection header and version.
func (r *HttpRequest) IsKeepAlive() bool {
	return r.headers["Connection"] == "keep-alive" && r.version == "1.1"
}
