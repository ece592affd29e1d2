package webserv

import (
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
}

var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var codePath = map[int]string{
	400: "/error.html",
	403: "/error.html",
	404: "/error.html",
}

// HttpResponse assembles the status line and headers into the write
// buffer and maps the target file read-only; the mapping is the second
// vector of the connection's gather write.
type HttpResponse struct {
	code        int
	isKeepAlive bool
	path        string
	srcDir      string
	mmFile      []byte
}

// Init primes the response for one exchange. Any previous mapping is
// released first, so a keep-alive reset can never leak one.
func (r *HttpResponse) Init(srcDir, path string, isKeepAlive bool, code int) {
	r.UnmapFile()
	r.code = code
	r.isKeepAlive = isKeepAlive
	r.path = path
	r.srcDir = srcDir
}

// MakeResponse resolves the target, then writes status line and headers
// into buf and maps the body file.
func (r *HttpResponse) MakeResponse(buf *Buffer) {
	if r.code == 200 {
		st, err := os.Stat(filepath.Join(r.srcDir, r.path))
		if err == nil && st.IsDir() {
			// a directory target serves its index page
			r.path = filepath.Join(r.path, "index.html")
			st, err = os.Stat(filepath.Join(r.srcDir, r.path))
		}
		switch {
		case err != nil || st.IsDir():
			r.code = 404
		case st.Mode().Perm()&0o004 == 0:
			r.code = 403
		}
	}
	if _, ok := codeStatus[r.code]; !ok {
		r.code = 400
	}
	if r.code == 400 {
		// 400 always closes, whatever the request asked for.
		r.isKeepAlive = false
	}
	r.errorHTML()
	r.addStateLine(buf)
	r.addHeader(buf)
	r.addContent(buf)
}

func (r *HttpResponse) errorHTML() {
	if p, ok := codePath[r.code]; ok {
		r.path = p
	}
}

func (r *HttpResponse) addStateLine(buf *Buffer) {
	buf.AppendString("HTTP/1.1 " + strconv.Itoa(r.code) + " " + codeStatus[r.code] + "\r\n")
}

func (r *HttpResponse) addHeader(buf *Buffer) {
	buf.AppendString("Connection: ")
	if r.isKeepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("keep-alive: max=6 timeout=120\r\n")
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString("Content-type: " + r.fileType() + "\r\n")
}

func (r *HttpResponse) addContent(buf *Buffer) {
	f, err := os.Open(filepath.Join(r.srcDir, r.path))
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	size := st.Size()
	if size == 0 {
		buf.AppendString("Content-length: 0\r\n\r\n")
		return
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		r.errorContent(buf, "File NotFound!")
		return
	}
	r.mmFile = data
	buf.AppendString("Content-length: " + strconv.FormatInt(size, 10) + "\r\n\r\n")
}

// errorContent emits a small inline page when the target cannot be mapped.
func (r *HttpResponse) errorContent(buf *Buffer, message string) {
	body := "<html><title>Error</title>" +
		"<body bgcolor=\"ffffff\">" +
		strconv.Itoa(r.code) + " : " + codeStatus[r.code] + "\n" +
		"<p>" + message + "</p>" +
		"<hr><em>webserv</em></body></html>"
	buf.AppendString("Content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	buf.AppendString(body)
}

func (r *HttpResponse) fileType() string {
	if t, ok := suffixType[filepath.Ext(r.path)]; ok {
		return t
	}
	return "text/plain"
}

// File returns the mapped body, or nil.
func (r *HttpResponse) File() []byte { return r.mmFile }

// FileLen is the mapped body length.
func (r *HttpResponse) FileLen() int { return len(r.mmFile) }

// Code returns the response status code.
func (r *HttpResponse) Code() int { return r.code }

// KeepAlive reports whether the connection survives this exchange.
func (r *HttpResponse) KeepAlive() bool { return r.isKeepAlive }

// UnmapFile releases the mapping; safe to call repeatedly.
func (r *HttpResponse) UnmapFile() {
	if r.mmFile != nil {
		unix.Munmap(r.mmFile)
		r.mmFile = nil
	}
}
