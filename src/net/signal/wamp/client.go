package wamp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/davidmnoll/meshlang/src/net/signal"
	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/wamp"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"
)

// Client implements the Signal interface. It exchanges SDP descriptions and
// ICE candidates through a WAMP router over WebSockets. Clients are
// addressed by node identifier: each one registers its identifier as an RPC
// procedure for offers, and a derived procedure for candidates.
type Client struct {
	nodeID    string
	routerURL string
	config    client.Config
	client    *client.Client
	consumer  chan signal.OfferPromise
	candCh    chan signal.CandidateEvent
	logger    *logrus.Entry
}

// NewClient instantiates a new Client and opens a connection to the WAMP
// signaling server. The server address may carry an explicit ws:// or
// wss:// scheme; without one, wss:// is assumed.
func NewClient(
	server string,
	realm string,
	nodeID string,
	caFile string,
	insecureSkipVerify bool,
	responseTimeout time.Duration,
	logger *logrus.Entry,
) (*Client, error) {

	cfg := client.Config{
		Realm:           realm,
		ResponseTimeout: responseTimeout,
		Logger:          logger,
	}

	tlscfg := &tls.Config{}

	if insecureSkipVerify {
		logger.Debug("Skip Verify. Accepting any certificate provided by signal server.")
		tlscfg.InsecureSkipVerify = true
	} else if _, err := os.Stat(caFile); os.IsNotExist(err) {
		logger.Debugf("No certificate file found. Relying on platform trusted certificates.")
	} else {
		// Load PEM-encoded certificate to trust.
		certPEM, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, err
		}

		// Create CertPool containing the certificate to trust.
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(certPEM) {
			return nil, errors.New("failed to import certificate to trust")
		}

		tlscfg.RootCAs = roots

		// Decode and parse the server cert to extract the subject info.
		block, _ := pem.Decode(certPEM)
		if block == nil {
			return nil, errors.New("failed to decode certificate to trust")
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}

		logger.Debugf("Trusting certificate %s with CN: %s", caFile, cert.Subject.CommonName)

		// Set ServerName in TLS config to CN from trusted cert so that
		// certificate will validate if CN does not match DNS name.
		tlscfg.ServerName = cert.Subject.CommonName
	}

	cfg.TlsCfg = tlscfg

	routerURL := server
	if !strings.Contains(routerURL, "://") {
		routerURL = fmt.Sprintf("wss://%s", server)
	}

	res := &Client{
		nodeID:    nodeID,
		routerURL: routerURL,
		config:    cfg,
		consumer:  make(chan signal.OfferPromise),
		candCh:    make(chan signal.CandidateEvent, 16),
		logger:    logger,
	}

	if err := res.Connect(); err != nil {
		return nil, err
	}

	return res, nil
}

// Connect creates a new WAMP client connected to the router. If the client
// is already connected it does nothing.
func (c *Client) Connect() error {
	if c.client != nil && c.client.Connected() {
		return nil
	}

	cli, err := client.ConnectNet(
		context.Background(),
		c.routerURL,
		c.config,
	)
	if err != nil {
		return err
	}

	c.client = cli

	return nil
}

// ID implements the Signal interface. It returns the node identifier this
// client is reachable under.
func (c *Client) ID() string {
	return c.nodeID
}

// Listen implements the Signal interface. It registers the offer and
// candidate procedures with the router.
func (c *Client) Listen() error {
	if err := c.client.Register(c.ID(), c.offerHandler, nil); err != nil {
		c.logger.WithError(err).Error("Failed to register offer procedure")
		return err
	}

	if err := c.client.Register(c.ID()+candidateSuffix, c.candidateHandler, nil); err != nil {
		c.logger.WithError(err).Error("Failed to register candidate procedure")
		return err
	}

	c.logger.Debug("Registered procedures with router")

	return nil
}

// Offer implements the Signal interface. It sends an offer and waits for an
// answer.
func (c *Client) Offer(target string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}

	callArgs := wamp.List{
		c.nodeID,
		string(raw),
	}

	// Create a context to cancel the call after timeout.
	ctx, cancel := context.WithTimeout(
		context.Background(),
		c.config.ResponseTimeout,
	)
	defer cancel()

	result, err := c.client.Call(ctx, target, nil, callArgs, nil, nil)
	if err != nil {
		c.logger.Error(err)
		return nil, err
	}

	if len(result.Arguments) == 0 {
		return nil, errors.New("bad answer payload")
	}

	sdp, ok := wamp.AsString(result.Arguments[0])
	if !ok {
		return nil, errors.New("bad answer payload")
	}

	answer := webrtc.SessionDescription{}
	if err := json.Unmarshal([]byte(sdp), &answer); err != nil {
		return nil, err
	}

	return &answer, nil
}

// Candidate implements the Signal interface. It relays one ICE candidate to
// target's candidate procedure.
func (c *Client) Candidate(target string, candidate webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	callArgs := wamp.List{
		c.nodeID,
		string(raw),
	}

	ctx, cancel := context.WithTimeout(
		context.Background(),
		c.config.ResponseTimeout,
	)
	defer cancel()

	_, err = c.client.Call(ctx, target+candidateSuffix, nil, callArgs, nil, nil)
	return err
}

// Consumer implements the Signal interface.
func (c *Client) Consumer() <-chan signal.OfferPromise {
	return c.consumer
}

// Candidates implements the Signal interface.
func (c *Client) Candidates() <-chan signal.CandidateEvent {
	return c.candCh
}

// Close closes the connection to the WAMP server.
func (c *Client) Close() error {
	c.client.Unregister(c.ID())
	c.client.Unregister(c.ID() + candidateSuffix)
	return c.client.Close()
}

// offerHandler is called when an offer is received from the signaling
// server. It forwards the offer to the consumer channel and waits for the
// response to relay back.
func (c *Client) offerHandler(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	from, sdp, res := parseRelayArgs(inv, ErrProcessingOffer)
	if res != nil {
		return *res
	}

	offer := webrtc.SessionDescription{}
	if err := json.Unmarshal([]byte(sdp), &offer); err != nil {
		return errResult(ErrProcessingOffer, fmt.Sprintf("Error parsing invocation SDP: %v", err))
	}

	respCh := make(chan signal.OfferPromiseResponse, 1)

	promise := signal.OfferPromise{
		From:     from,
		Offer:    offer,
		RespChan: respCh,
	}

	c.consumer <- promise

	// Wait for response
	timer := time.NewTimer(c.config.ResponseTimeout)
	select {
	case <-timer.C:
		return errResult(ErrProcessingOffer, "Callee TIMEOUT")
	case resp := <-respCh:
		if resp.Error != nil {
			return errResult(ErrProcessingOffer, resp.Error.Error())
		}

		raw, err := json.Marshal(resp.Answer)
		if err != nil {
			return errResult(ErrProcessingOffer, fmt.Sprintf("Error parsing answer: %v", err))
		}

		return client.InvokeResult{
			Args: wamp.List{string(raw)},
		}
	}
}

// candidateHandler is called when a remote ICE candidate is relayed to this
// client. It acknowledges immediately; the candidate is applied
// asynchronously.
func (c *Client) candidateHandler(ctx context.Context, inv *wamp.Invocation) client.InvokeResult {
	from, raw, res := parseRelayArgs(inv, ErrProcessingCandidate)
	if res != nil {
		return *res
	}

	cand := webrtc.ICECandidateInit{}
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		return errResult(ErrProcessingCandidate, fmt.Sprintf("Error parsing candidate: %v", err))
	}

	select {
	case c.candCh <- signal.CandidateEvent{From: from, Candidate: cand}:
	default:
		c.logger.WithField("from", from).Warn("Candidate channel full, dropping candidate")
	}

	return client.InvokeResult{Args: wamp.List{"ok"}}
}

// parseRelayArgs extracts the (from, payload) argument pair common to both
// relay procedures. A non-nil result means the invocation was malformed.
func parseRelayArgs(inv *wamp.Invocation, errURI string) (string, string, *client.InvokeResult) {
	if len(inv.Arguments) != 2 {
		res := errResult(errURI,
			fmt.Sprintf("Invocation should contain 2 arguments, not %d", len(inv.Arguments)))
		return "", "", &res
	}

	from, ok := wamp.AsString(inv.Arguments[0])
	if !ok {
		res := errResult(errURI, "Error reading invocation first argument")
		return "", "", &res
	}

	payload, ok := wamp.AsString(inv.Arguments[1])
	if !ok {
		res := errResult(errURI, "Error reading invocation second argument")
		return "", "", &res
	}

	return from, payload, nil
}

func errResult(uri string, msg string) client.InvokeResult {
	return client.InvokeResult{
		Err:  wamp.URI(uri),
		Args: wamp.List{msg},
	}
}
