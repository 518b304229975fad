package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func startFakeHTTPConnectServer(t *testing.T, status int) (addr string, seenTarget chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	seenTarget = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		seenTarget <- req.Host

		if status == http.StatusOK {
			conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\nLEFTOVER"))
			buf := make([]byte, 3)
			conn.Read(buf)
			conn.Write([]byte("ack"))
		} else {
			conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), seenTarget
}

func TestHTTPConnectSuccessPreservesBufferedBytes(t *testing.T) {
	addr, seenTarget := startFakeHTTPConnectServer(t, http.StatusOK)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := newHTTPConnectDialer(Upstream{IP: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", "example.com:443")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	select {
	case target := <-seenTarget:
		if target != "example.com:443" {
			t.Errorf("want CONNECT target example.com:443, got %s", target)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw a CONNECT")
	}

	buf := make([]byte, len("LEFTOVER"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read leftover bytes: %v", err)
	}
	if string(buf) != "LEFTOVER" {
		t.Errorf("want buffered bytes preserved, got %q", buf)
	}

	conn.Write([]byte("abc"))
	ack := make([]byte, 3)
	io.ReadFull(conn, ack)
	if string(ack) != "ack" {
		t.Errorf("want ack after tunnel established, got %q", ack)
	}
}

func TestHTTPConnectRejected(t *testing.T) {
	addr, _ := startFakeHTTPConnectServer(t, http.StatusProxyAuthRequired)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	d := newHTTPConnectDialer(Upstream{IP: host, Port: port})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := d.DialContext(ctx, "tcp", "example.com:443"); err == nil {
		t.Error("want error on non-200 CONNECT response")
	}
}
