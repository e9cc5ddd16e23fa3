package intercom

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// WTServer exposes the intercom protocol over WebTransport so browser
// clients can call the panel without a TCP bridge. Each accepted
// bidirectional stream carries one framed session.
type WTServer struct {
	addr string
	mgr  *Manager
	log  *slog.Logger
	wt   *webtransport.Server
}

// NewWTServer builds a WebTransport listener handing sessions to mgr.
func NewWTServer(addr string, tlsConfig *tls.Config, mgr *Manager, logger *slog.Logger) *WTServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WTServer{
		addr: addr,
		mgr:  mgr,
		log:  logger.With("component", "intercom-wt"),
	}
	mux := http.NewServeMux()
	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)
	mux.HandleFunc("/intercom", s.handleUpgrade)
	return s
}

// Run blocks serving WebTransport sessions until the context is
// canceled.
func (s *WTServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.wt.Close()
	}()
	s.log.Info("webtransport listening", "addr", s.addr)
	return s.wt.ListenAndServe()
}

func (s *WTServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sess, err := s.wt.Upgrade(w, r)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	stream, err := sess.AcceptStream(r.Context())
	if err != nil {
		s.log.Warn("accept stream failed", "err", err)
		sess.CloseWithError(0, "no stream")
		return
	}
	s.mgr.ServeConn(&wtStream{stream: stream, sess: sess}, r.RemoteAddr)
}

// wtStream adapts a WebTransport stream to the io.ReadWriteCloser the
// session layer expects, closing the whole session with the stream.
type wtStream struct {
	stream *webtransport.Stream
	sess   *webtransport.Session
}

var _ io.ReadWriteCloser = (*wtStream)(nil)

func (s *wtStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *wtStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *wtStream) Close() error {
	s.stream.Close()
	return s.sess.CloseWithError(0, "")
}
