package intercom

import (
	"context"
	"errors"
	"net"
)

// Serve accepts intercom connections on ln until the context is
// canceled or the listener fails. Each connection runs its own session;
// admission control in the manager keeps calls exclusive.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	m.log.Info("intercom listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		go m.ServeConn(conn, conn.RemoteAddr().String())
	}
}

// ListenAndServe listens on addr (":6054" style) and calls Serve.
func (m *Manager) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.Serve(ctx, ln)
}
