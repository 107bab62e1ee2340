// Package server implements an RFC 959 FTP server: a single filesystem
// root shared by every user in an internal/users.Store, active and
// passive data connections, ASCII/binary transfer translation, and a
// background worker per transfer so ABOR can interrupt one in flight.
//
// # Getting started
//
//	store, err := users.LoadFile("/etc/ftpd/users.db", users.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := server.NewServer(":21", "/srv/ftp", store,
//	    server.WithPassivePortRange(50000, 50100),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
//
// # Graceful shutdown
//
//	ln, _ := net.Listen("tcp", ":21")
//	go func() {
//	    <-ctx.Done()
//	    s.Shutdown()
//	}()
//	s.Serve(ln)
//
// # Scope
//
// This server speaks the IPv4 control channel with PORT/PASV data
// connections in Stream mode, File structure only. It does not implement
// FTPS (AUTH/PROT/PBSZ), EPSV/EPRT, or MLSD/MLST; a client asking for any
// of those gets a plain 502/504.
package server
