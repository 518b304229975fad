package gateway

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/resin-proxy/proxyhaven/internal/dialer"
)

// hopByHopHeaders must never be forwarded to, or echoed back from, the
// chosen upstream: they describe this hop, not the end-to-end request.
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Proxy-Connection",
	"Upgrade",
	"Keep-Alive",
	"TE",
	"Trailer",
}

// responseStripHeaders are removed from the upstream's response before it
// is re-synthesized for the client: the local framing (chunking, length,
// connection reuse) is the gateway's to decide, not the upstream's.
var responseStripHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

func stripHeaders(h http.Header, names []string) {
	for _, conn := range h.Values("Connection") {
		for _, field := range strings.Split(conn, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, n := range names {
		h.Del(n)
	}
}

// Picker selects the next pool member for an inbound request.
type Picker interface {
	Pick() (*Member, bool)
}

// Handler is the gateway's http.Handler: it picks a pool member per
// request and forwards absolute-URI requests or CONNECT tunnels through
// it, per the rotating-gateway contract.
type Handler struct {
	Picker Picker
}

func NewHandler(picker Picker) *Handler {
	return &Handler{Picker: picker}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.handleForward(w, r)
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()

	if r.Host == "" {
		writeGatewayError(w, ErrInvalidHost)
		return
	}

	member, ok := h.Picker.Pick()
	if !ok {
		writeGatewayError(w, ErrNoAvailableUpstream)
		return
	}

	ip, port, protocol := member.upstreamSpec()
	log.Printf("gateway[%s]: forward %s via %s:%d (%s)", reqID, r.Host, ip, port, protocol)
	d, err := dialer.New(dialer.Upstream{IP: ip, Port: port, Protocol: protocol})
	if err != nil {
		writeGatewayError(w, ErrUpstreamConnectFailed)
		return
	}

	transport := &http.Transport{DialContext: d.DialContext}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Close = false
	stripHeaders(outReq.Header, hopByHopHeaders)

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		ge := classifyUpstreamError(err)
		if ge == nil {
			return // context canceled by the client
		}
		log.Printf("gateway[%s]: forward failed via %s:%d: %v", reqID, ip, port, err)
		member.RecordProbe(false)
		writeGatewayError(w, ge)
		return
	}
	defer resp.Body.Close()

	respHeaders := resp.Header.Clone()
	stripHeaders(respHeaders, responseStripHeaders)
	for k, vv := range respHeaders {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	target := r.Host
	if target == "" {
		writeGatewayError(w, ErrInvalidHost)
		return
	}

	member, ok := h.Picker.Pick()
	if !ok {
		writeGatewayError(w, ErrNoAvailableUpstream)
		return
	}

	ip, port, protocol := member.upstreamSpec()
	log.Printf("gateway[%s]: connect %s via %s:%d (%s)", reqID, target, ip, port, protocol)
	d, err := dialer.New(dialer.Upstream{IP: ip, Port: port, Protocol: protocol})
	if err != nil {
		writeGatewayError(w, ErrUpstreamConnectFailed)
		return
	}

	upstreamConn, err := d.DialContext(r.Context(), "tcp", target)
	if err != nil {
		ge := classifyConnectError(err)
		if ge == nil {
			return
		}
		log.Printf("gateway[%s]: connect dial failed via %s:%d: %v", reqID, ip, port, err)
		member.RecordProbe(false)
		writeGatewayError(w, ge)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstreamConn.Close()
		writeGatewayError(w, ErrUpstreamRequestFailed)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		return
	}

	if _, err := clientBuf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		upstreamConn.Close()
		clientConn.Close()
		return
	}
	if err := clientBuf.Flush(); err != nil {
		upstreamConn.Close()
		clientConn.Close()
		return
	}

	clientReader, err := prefetchedReader(clientConn, clientBuf.Reader)
	if err != nil {
		upstreamConn.Close()
		clientConn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(upstreamConn, clientReader)
		upstreamConn.Close()
	}()
	io.Copy(clientConn, upstreamConn)
	clientConn.Close()
	<-done
	log.Printf("gateway[%s]: connect tunnel to %s closed", reqID, target)
}

// prefetchedReader preserves any bytes net/http already buffered past the
// CONNECT request line before Hijack, so the tunnel stays byte-transparent.
func prefetchedReader(conn net.Conn, buffered *bufio.Reader) (io.Reader, error) {
	if buffered == nil || buffered.Buffered() == 0 {
		return conn, nil
	}
	n := buffered.Buffered()
	prefetched := make([]byte, n)
	if _, err := io.ReadFull(buffered, prefetched); err != nil {
		return nil, err
	}
	return io.MultiReader(bytes.NewReader(prefetched), conn), nil
}
