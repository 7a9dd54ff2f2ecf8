package sim

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/temcal/tem"
)

// Serve answers the tem.Client line protocol on ln until ctx is done or ln
// is closed, forwarding every request to inst
func Serve(ctx context.Context, ln net.Listener, inst tem.Instrument) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, inst)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, inst tem.Instrument) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\r')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Println("sim: read error:", err)
			}
			return
		}
		reply := Handle(ctx, inst, strings.TrimSpace(line))
		if _, err := io.WriteString(conn, reply+"\r"); err != nil {
			return
		}
	}
}

// Handle executes one protocol line against inst and returns the reply
func Handle(ctx context.Context, inst tem.Instrument, line string) string {
	f := strings.Fields(line)
	if len(f) < 2 {
		return "ERR malformed request"
	}
	fail := func(err error) string { return "ERR " + err.Error() }
	switch {
	case f[0] == "get" && len(f) == 2:
		v, err := inst.GetIndex(ctx, f[1])
		if err != nil {
			return fail(err)
		}
		return v.String()
	case f[0] == "set" && len(f) == 3:
		v, err := tem.ParseSetPoint(f[2])
		if err != nil {
			return fail(err)
		}
		if err := inst.SetIndex(ctx, f[1], v); err != nil {
			return fail(err)
		}
		return "OK"
	case f[0] == "mode" && len(f) == 2:
		m, err := inst.GetMode(ctx, f[1])
		if err != nil {
			return fail(err)
		}
		return m
	case f[0] == "mode" && len(f) == 3:
		if err := inst.SetMode(ctx, f[1], f[2]); err != nil {
			return fail(err)
		}
		return "OK"
	case f[0] == "restrict" && len(f) == 2:
		v, err := inst.GetRestriction(ctx, f[1])
		if err != nil {
			return fail(err)
		}
		return strconv.Itoa(v)
	case f[0] == "restrict" && len(f) == 3:
		v, err := strconv.Atoi(f[2])
		if err != nil {
			return fail(err)
		}
		if err := inst.SetRestriction(ctx, f[1], v); err != nil {
			return fail(err)
		}
		return "OK"
	}
	return "ERR unknown request " + strconv.Quote(line)
}
