//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/bootswap/config"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	updateCheckTimeout = 10 * time.Second
	updateCheckRetries = 3
	tcpBufSize         = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize        = 512
	responseWaitMs     = 5000
)

// MQTT topics. The device publishes the request "check" on topicRequest and
// listens for a reply ("available" or "none") on topicResponse.
var (
	topicRequest  = []byte("bootswap/update/request")
	topicResponse = []byte("bootswap/update/response")
)

// Pre-allocated buffers for memory efficiency
var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
	responseBuf [mqttBufSize]byte
	responseLen int
	gotResponse bool

	varSub = mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: topicResponse, QoS: mqtt.QoS0},
		},
	}
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// checkForUpdate connects to the broker, asks whether a new image is
// available, and returns the server's raw response payload (e.g.
// "available" or "none"). It never stages anything itself — the caller
// decides whether to enable the OTA receive window.
func checkForUpdate(
	stack *xnet.StackAsync,
	brokerAddr netip.AddrPort,
	logger *slog.Logger,
) (string, error) {
	rstack := stack.StackRetrying(5 * time.Millisecond)
	gotResponse = false
	responseLen = 0

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return "", err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
		OnPub:   onUpdateCheckMessage,
	}

	var varconn mqtt.VariablesConnect
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	varconn.SetDefaultMQTT(clientID)
	client := mqtt.NewClient(cfg)

	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("updatecheck:dialing",
		slog.String("broker", brokerAddr.String()),
		slog.String("clientid", string(clientID)),
		slog.Uint64("localport", uint64(lport)),
	)

	err = rstack.DoDialTCP(&conn, lport, brokerAddr, updateCheckTimeout, updateCheckRetries)
	if err != nil {
		logger.Error("updatecheck:dial-failed", slog.String("err", err.Error()))
		closeUpdateCheckConn(&conn, stack, brokerAddr)
		return "", err
	}

	logger.Info("updatecheck:connecting")
	conn.SetDeadline(time.Now().Add(updateCheckTimeout))
	err = client.StartConnect(&conn, &varconn)
	if err != nil {
		logger.Error("updatecheck:start-connect-failed", slog.String("err", err.Error()))
		closeUpdateCheckConn(&conn, stack, brokerAddr)
		return "", err
	}

	retries := 50
	for retries > 0 && !client.IsConnected() {
		time.Sleep(100 * time.Millisecond)
		if err := client.HandleNext(); err != nil {
			logger.Warn("updatecheck:handle-next", slog.String("err", err.Error()))
		}
		retries--
	}
	if !client.IsConnected() {
		logger.Error("updatecheck:connect-timeout")
		closeUpdateCheckConn(&conn, stack, brokerAddr)
		return "", errors.New("mqtt connect timeout")
	}
	logger.Info("updatecheck:connected")

	conn.SetDeadline(time.Now().Add(updateCheckTimeout))
	varSub.PacketIdentifier = uint16(stack.Prand32())
	if err := client.StartSubscribe(varSub); err != nil {
		logger.Error("updatecheck:subscribe-failed", slog.String("err", err.Error()))
		closeUpdateCheckConn(&conn, stack, brokerAddr)
		return "", err
	}
	logger.Info("updatecheck:subscribed", slog.String("topic", string(topicResponse)))

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}

	conn.SetDeadline(time.Now().Add(updateCheckTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topicRequest,
		PacketIdentifier: uint16(stack.Prand32()),
	}
	err = client.PublishPayload(pubFlags, pubVar, []byte("check"))
	if err != nil {
		logger.Error("updatecheck:publish-failed", slog.String("err", err.Error()))
		closeUpdateCheckConn(&conn, stack, brokerAddr)
		return "", err
	}
	logger.Info("updatecheck:published", slog.String("topic", string(topicRequest)))

	waitTime := 0
	for !gotResponse && waitTime < responseWaitMs {
		time.Sleep(100 * time.Millisecond)
		conn.SetDeadline(time.Now().Add(2 * time.Second))
		client.HandleNext()
		waitTime += 100
	}

	client.Disconnect(errors.New("session complete"))
	closeUpdateCheckConn(&conn, stack, brokerAddr)

	if !gotResponse {
		logger.Error("updatecheck:no-response")
		return "", errors.New("no response from broker")
	}

	logger.Info("updatecheck:response-received", slog.Int("bytes", responseLen))
	return string(responseBuf[:responseLen]), nil
}

func onUpdateCheckMessage(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if !bytesEqual(varPub.TopicName, topicResponse) {
		return nil
	}
	n, err := r.Read(responseBuf[:])
	if err != nil && err != io.EOF {
		return err
	}
	responseLen = n
	gotResponse = true
	return nil
}

func closeUpdateCheckConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
