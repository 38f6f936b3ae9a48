// Package fake provides an in-process game server and directory service
// speaking the real wire protocols. Tests use them as loopback fixtures
// and the CLI offers a fake mode for development without live servers.
package fake

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/protocol"
)

// Server is a loopback UDP game server answering info and rules queries.
type Server struct {
	conn net.PacketConn
	addr models.Address

	info protocol.Info
	mods []protocol.ModEntry

	// Silent makes the server swallow queries, simulating packet loss.
	Silent atomic.Bool
	// Corrupt makes the server answer with garbage bytes.
	Corrupt atomic.Bool
	// FragmentSize, when positive, splits every reply into fragments of
	// that payload size.
	FragmentSize atomic.Int32
}

// NewServer starts a fake server on a random loopback port.
func NewServer(info protocol.Info, mods []protocol.ModEntry) (*Server, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	_, portStr, _ := net.SplitHostPort(conn.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	if len(mods) > 0 {
		info.Flags |= protocol.FlagHasRules
	}

	s := &Server{
		conn: conn,
		addr: models.Address{Host: "127.0.0.1", Port: uint16(port)},
		info: info,
		mods: mods,
	}
	go s.serve()
	return s, nil
}

// Addr returns the server's query endpoint.
func (s *Server) Addr() models.Address {
	return s.addr
}

// Close stops the server.
func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if s.Silent.Load() {
			continue
		}

		nonce, _, ok := protocol.PeekNonce(buf[:n])
		if !ok || n < 5 {
			continue
		}

		var reply []byte
		switch buf[4] {
		case protocol.TypeInfoRequest:
			info := s.info
			info.Nonce = nonce
			reply = protocol.EncodeInfoResponse(&info)
		case protocol.TypeRulesRequest:
			reply = protocol.EncodeRulesResponse(&protocol.Rules{Nonce: nonce, Mods: s.mods})
		default:
			continue
		}

		if s.Corrupt.Load() {
			reply = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x01}
		}

		if size := s.FragmentSize.Load(); size > 0 {
			for _, frag := range protocol.EncodeFragments(nonce, reply, int(size)) {
				_, _ = s.conn.WriteTo(frag, from)
			}
			continue
		}
		_, _ = s.conn.WriteTo(reply, from)
	}
}

// Directory serves a paged JSON directory listing over HTTP.
type Directory struct {
	addrs    []models.Address
	pageSize int
}

// NewDirectory builds a directory handler listing the given addresses.
func NewDirectory(addrs []models.Address, pageSize int) *Directory {
	if pageSize < 1 {
		pageSize = 50
	}
	return &Directory{addrs: addrs, pageSize: pageSize}
}

// ServeHTTP implements http.Handler, paging by numeric cursor.
func (d *Directory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		start = n
	}

	end := start + d.pageSize
	if end > len(d.addrs) {
		end = len(d.addrs)
	}

	type entry struct {
		Host string `json:"host"`
		Port uint16 `json:"port"`
	}
	page := struct {
		Next    string  `json:"next"`
		Servers []entry `json:"servers"`
	}{Servers: []entry{}}

	for _, addr := range d.addrs[start:end] {
		page.Servers = append(page.Servers, entry{Host: addr.Host, Port: addr.Port})
	}
	if end < len(d.addrs) {
		page.Next = fmt.Sprintf("%d", end)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		log.Debug().Err(err).Msg("fake directory write failed")
	}
}
