package test

import (
	"testing"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/rpc/tcp"
)

type tcpTransportFactory struct {
	basePort int
}

func (f *tcpTransportFactory) CreateServerTransport(id int) rpc.ServerTransport {
	return tcp.NewServerTransport(tcp.ServerTransportConfig{
		Port:    f.basePort + id,
		NoDelay: true,
	})
}

func (f *tcpTransportFactory) CreateClientTransport(id int) rpc.ClientTransport {
	return tcp.NewClientTransport(tcp.ClientTransportConfig{
		Host:    "localhost",
		Port:    f.basePort + id,
		NoDelay: true,
	})
}

func (f *tcpTransportFactory) Name() string {
	return "TCP"
}

func TestTCPTransportSuite(t *testing.T) {
	RunConformanceSuite(t, SuiteConfig{
		Factory:    &tcpTransportFactory{basePort: 9431},
		StartingID: 0,
	})
}
