package master

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/nexus/config"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/room"
	"github.com/lcx/nexus/service"
	"github.com/lcx/nexus/spawner"
)

func writeConfigFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

// testConfigManager provides the minimum configuration a server needs: the
// dispatcher and the TCP listener. Websocket and discovery stay disabled.
func testConfigManager(t *testing.T) config.ConfigManager {
	t.Helper()
	dir := t.TempDir()
	writeConfigFile(t, dir, "dispatcher", "recvRateLimit: 1000\ntokenBurst: 1000\n")
	writeConfigFile(t, dir, "tcp_transport",
		"addr: 127.0.0.1:0\nidleTimeout: 30\nsendChannelSize: 64\nmaxFrameSize: 1048576\n")

	cm := config.NewConfigManager()
	t.Cleanup(func() { _ = cm.Close() })
	cm.SetBasePath(dir)
	return cm
}

func TestNewServerWiring(t *testing.T) {
	s, err := NewServer(testConfigManager(t))
	require.NoError(t, err)

	// Both modules are registered and reachable through the host interface.
	assert.NotNil(t, s.Module(reflect.TypeOf(&spawner.Controller{})))
	assert.NotNil(t, s.Module(reflect.TypeOf(&room.Controller{})))
	assert.Nil(t, s.Module(reflect.TypeOf(&Server{})))

	// The protocol surface is installed in the message registry.
	for _, msgID := range []string{
		spawner.MsgSpawnerRegister, spawner.MsgSpawnRequest, spawner.MsgFinalize,
		room.MsgRegister, room.MsgAccessRequest, room.MsgValidateAccess,
	} {
		assert.True(t, s.Messages().ContainsMsg(msgID), msgID)
	}

	// Default services are in the locator.
	_, err = service.Get[service.Mailer](s.Services())
	assert.NoError(t, err)
	_, err = service.Get[service.Localizer](s.Services())
	assert.NoError(t, err)
}

func TestServerSpawnerRegistersOverTCP(t *testing.T) {
	s, err := NewServer(testConfigManager(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	var client *net.TCPClient
	caller := net.NewCaller(func(pkg *net.SendPkg) error {
		return client.Send(pkg)
	}, clock.New(), 3*time.Second)

	client, err = net.DialTCP(s.TCPAddr(), s.Messages(), callerReceiver{caller})
	require.NoError(t, err)
	defer client.Close()

	done := make(chan *net.RecvPkg, 1)
	require.NoError(t, caller.Request(spawner.MsgSpawnerRegister, &spawner.SpawnerRegisterReq{
		Address: "10.0.0.5:7100", Region: "eu", MaxProcesses: 4,
	}, func(pkg *net.RecvPkg, err error) {
		if err == nil {
			done <- pkg
		}
	}))

	select {
	case pkg := <-done:
		assert.Equal(t, net.RetOK, pkg.Head.RetCode)
	case <-time.After(3 * time.Second):
		t.Fatal("no registration response")
	}
	assert.Equal(t, 1, s.Spawners().Registry().Count())
}

// callerReceiver routes every packet the client reads into the caller.
type callerReceiver struct {
	caller *net.Caller
}

func (r callerReceiver) OnRecvTransportPkg(td *net.TransportDelivery) error {
	r.caller.HandleResponse(td.Pkg)
	return nil
}

func TestPeerRouterUnknownPeer(t *testing.T) {
	r := newPeerRouter()
	err := r.SendTo(42, net.NewNtfPkg("x", nil))
	assert.Error(t, err)
}
