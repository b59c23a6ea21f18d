package egress

import (
	"context"
	"net"
)

// Adder receives byte counts. prometheus.Counter satisfies it.
type Adder interface {
	Add(float64)
}

// CountedConn 是一个 net.Conn 的包装器，统计经过出口的上行和下行流量。
type CountedConn struct {
	net.Conn
	uplink   Adder
	downlink Adder
}

// NewCountedConn 创建一个新的 CountedConn 实例。
func NewCountedConn(conn net.Conn, uplink, downlink Adder) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		uplink:   uplink,
		downlink: downlink,
	}
}

// Read 从底层连接读取数据，并增加下行流量计数。
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(float64(n))
	}
	return n, err
}

// Write 将数据写入底层连接，并增加上行流量计数。
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(float64(n))
	}
	return n, err
}

type countedDialer struct {
	d        ContextDialer
	uplink   Adder
	downlink Adder
}

// Counted wraps d so every connection it dials is a CountedConn.
func Counted(d ContextDialer, uplink, downlink Adder) ContextDialer {
	return &countedDialer{d: d, uplink: uplink, downlink: downlink}
}

func (c *countedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewCountedConn(conn, c.uplink, c.downlink), nil
}
