// Command ultralight runs a standalone Portal Network node: a discv5
// transport shared by whichever sub-protocol engines are configured, each
// exposed over JSON-RPC on a single HTTP server.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/discover"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/nat"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"

	"github.com/KolbyML/ultralight/history"
	"github.com/KolbyML/ultralight/overlay"
	"github.com/KolbyML/ultralight/portalwire"
	"github.com/KolbyML/ultralight/state"
	"github.com/KolbyML/ultralight/storage/ethpepple"
	"github.com/KolbyML/ultralight/utils"
	"github.com/KolbyML/ultralight/utp"
)

const privateKeyFileName = "clientKey"

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for node databases and the node key",
		Value: "./ultralight-data",
	}
	udpPortFlag = &cli.IntFlag{
		Name:  "portal.udp-port",
		Usage: "UDP port the shared discv5 transport listens on",
		Value: 9009,
	}
	rpcAddrFlag = &cli.StringFlag{
		Name:  "portal.rpc-addr",
		Usage: "host:port the JSON-RPC HTTP server listens on",
		Value: "127.0.0.1:8545",
	}
	dataCapacityFlag = &cli.IntFlag{
		Name:  "portal.data-capacity-mb",
		Usage: "Per-sub-protocol content store capacity, in megabytes",
		Value: 1000,
	}
	networksFlag = &cli.StringSliceFlag{
		Name:  "portal.networks",
		Usage: "Sub-protocols to run (history, state)",
		Value: cli.NewStringSlice(networkName(portalwire.HistoryNetwork), networkName(portalwire.StateNetwork)),
	}
	bootnodesFlag = &cli.StringSliceFlag{
		Name:  "portal.bootnodes",
		Usage: "Bootstrap ENRs, comma separated",
	}
	natFlag = &cli.StringFlag{
		Name:  "nat",
		Usage: "NAT port mapping (any|none|upnp|pmp|extip:<IP>)",
		Value: "any",
	}
	privateKeyFlag = &cli.StringFlag{
		Name:  "nodekeyhex",
		Usage: "Hex-encoded node private key; generated and persisted under datadir if unset",
	}
)

// Config is the resolved, process-wide configuration for one node.
type Config struct {
	PrivateKey     *ecdsa.PrivateKey
	DataDir        string
	DataCapacityMB int
	UDPPort        int
	RPCAddr        string
	Networks       []string
	Bootnodes      []*enode.Node
	NAT            nat.Interface
}

// Client bundles the live engines a running node owns, so they can be torn
// down in order on shutdown.
type Client struct {
	DiscV5         *discover.UDPv5
	HistoryNetwork *history.Network
	StateNetwork   *state.StateNetwork
	UTP            *utp.Transfer
	Server         *http.Server
}

func (c *Client) shutdown() {
	if c.HistoryNetwork != nil {
		log.Info("closing history network")
		c.HistoryNetwork.Stop()
	}
	if c.StateNetwork != nil {
		log.Info("closing state network")
		c.StateNetwork.Stop()
	}
	if c.UTP != nil {
		log.Info("closing uTP socket")
		c.UTP.Close()
	}
	if c.DiscV5 != nil {
		log.Info("closing discv5 transport")
		c.DiscV5.LocalNode().Database().Close()
		c.DiscV5.Close()
	}
	if c.Server != nil {
		log.Info("closing rpc server")
		c.Server.Close()
	}
}

// portalwire.ProtocolID.Name() is used by the teacher for --networks
// matching; this module's portalwire package names the constant directly
// rather than carrying the method, so translate here.
func networkName(id portalwire.ProtocolID) string {
	switch id {
	case portalwire.HistoryNetwork:
		return "history"
	case portalwire.StateNetwork:
		return "state"
	case portalwire.BeaconLightClientNetwork:
		return "beacon"
	case portalwire.CanonicalIndicesNetwork:
		return "canonical-indices"
	default:
		return string(id)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func main() {
	app := &cli.App{
		Name:   "ultralight",
		Usage:  "Portal Network node",
		Flags:  []cli.Flag{dataDirFlag, udpPortFlag, rpcAddrFlag, dataCapacityFlag, networksFlag, bootnodesFlag, natFlag, privateKeyFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("ultralight exited with error", "err", err)
	}
}

func run(ctx *cli.Context) error {
	config, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("ultralight: bad configuration: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", config.UDPPort))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}

	clientChan := make(chan *Client, 1)
	go handleInterrupt(clientChan)

	return startNode(config, conn, clientChan)
}

func handleInterrupt(clientChan <-chan *Client) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	<-interrupt
	log.Warn("closing ultralight gracefully (send interrupt again to force quit)")
	go func() {
		c := <-clientChan
		c.shutdown()
		os.Exit(0)
	}()
	<-interrupt
	os.Exit(1)
}

func startNode(config *Config, conn *net.UDPConn, clientChan chan<- *Client) error {
	client := &Client{}

	discV5, localNode, err := initDiscV5(config, conn)
	if err != nil {
		return err
	}
	client.DiscV5 = discV5

	utpTransfer, err := utp.New(conn, log.New("module", "utp"))
	if err != nil {
		return err
	}
	if err := utpTransfer.Start(); err != nil {
		return err
	}
	client.UTP = utpTransfer

	server := rpc.NewServer()

	if contains(config.Networks, networkName(portalwire.HistoryNetwork)) {
		historyNetwork, err := initHistory(config, server, discV5, localNode, utpTransfer)
		if err != nil {
			return err
		}
		client.HistoryNetwork = historyNetwork
	}

	if contains(config.Networks, networkName(portalwire.StateNetwork)) {
		stateNetwork, err := initState(config, server, discV5, localNode, utpTransfer)
		if err != nil {
			return err
		}
		client.StateNetwork = stateNetwork
	}

	httpServer := &http.Server{Addr: config.RPCAddr, Handler: server}
	client.Server = httpServer
	clientChan <- client

	log.Info("ultralight rpc server listening", "addr", config.RPCAddr)
	return httpServer.ListenAndServe()
}

func protocolConfig(config *Config, protocolID portalwire.ProtocolID) overlay.ProtocolConfig {
	return overlay.ProtocolConfig{
		ProtocolID:      protocolID,
		PrivateKey:      config.PrivateKey,
		Bootnodes:       config.Bootnodes,
		PingInterval:    30 * time.Second,
		RefreshInterval: 30 * time.Minute,
		Log:             log.New("sub-protocol", networkName(protocolID)),
		RadiusMeter:     true,
	}
}

func contentIDFunc(contentKey []byte) []byte {
	return crypto.Keccak256(contentKey)
}

func openStorage(config *Config, networkName string, nodeID enode.ID) (*ethpepple.PeppleStorage, error) {
	dir := filepath.Join(config.DataDir, networkName)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	db, err := ethpepple.NewPeppleDB(dir, config.DataCapacityMB, 64, networkName)
	if err != nil {
		return nil, err
	}
	return ethpepple.NewPeppleStorage(ethpepple.PeppleStorageConfig{
		StorageCapacityMB: config.DataCapacityMB,
		DB:                db,
		NodeId:            [32]byte(nodeID),
		NetworkName:       networkName,
	})
}

func initHistory(config *Config, server *rpc.Server, disc *discover.UDPv5, localNode *enode.LocalNode, utpTransfer *utp.Transfer) (*history.Network, error) {
	contentStorage, err := openStorage(config, networkName(portalwire.HistoryNetwork), localNode.ID())
	if err != nil {
		return nil, err
	}

	protocol, err := overlay.NewProtocol(protocolConfig(config, portalwire.HistoryNetwork), disc, contentStorage, contentIDFunc, utpTransfer)
	if err != nil {
		return nil, err
	}
	disc.RegisterTalkHandler(string(portalwire.HistoryNetwork), protocol.HandleTalkRequest)

	api := history.NewHistoryNetworkAPI(overlay.NewProtocolAPI(protocol))
	if err := server.RegisterName("portal", api); err != nil {
		return nil, err
	}

	accumulator, err := history.NewMasterAccumulator()
	if err != nil {
		return nil, err
	}
	historyNetwork := history.NewHistoryNetwork(protocol, &accumulator)
	return historyNetwork, historyNetwork.Start()
}

func initState(config *Config, server *rpc.Server, disc *discover.UDPv5, localNode *enode.LocalNode, utpTransfer *utp.Transfer) (*state.StateNetwork, error) {
	contentStorage, err := openStorage(config, networkName(portalwire.StateNetwork), localNode.ID())
	if err != nil {
		return nil, err
	}

	protocol, err := overlay.NewProtocol(protocolConfig(config, portalwire.StateNetwork), disc, contentStorage, contentIDFunc, utpTransfer)
	if err != nil {
		return nil, err
	}
	disc.RegisterTalkHandler(string(portalwire.StateNetwork), protocol.HandleTalkRequest)

	api := state.NewStateNetworkAPI(overlay.NewProtocolAPI(protocol))
	if err := server.RegisterName("portal", api); err != nil {
		return nil, err
	}

	stateNetwork := state.NewStateNetwork(protocol)
	return stateNetwork, stateNetwork.Start()
}

func initDiscV5(config *Config, conn *net.UDPConn) (*discover.UDPv5, *enode.LocalNode, error) {
	nodeDB, err := enode.OpenDB(filepath.Join(config.DataDir, "nodes"))
	if err != nil {
		return nil, nil, err
	}
	localNode := enode.NewLocalNode(nodeDB, config.PrivateKey)

	listenerAddr := conn.LocalAddr().(*net.UDPAddr)
	if config.NAT != nil && !listenerAddr.IP.IsLoopback() {
		doPortMapping(config.NAT, localNode, listenerAddr)
	}

	discV5, err := discover.ListenV5(conn, localNode, discover.Config{
		PrivateKey: config.PrivateKey,
		Bootnodes:  config.Bootnodes,
		Log:        log.New("protocol", "discv5"),
	})
	if err != nil {
		return nil, nil, err
	}
	return discV5, localNode, nil
}

func doPortMapping(natm nat.Interface, ln *enode.LocalNode, addr *net.UDPAddr) {
	const (
		protocol = "udp"
		name     = "ultralight portal node"
	)
	intport := addr.Port
	extaddr := &net.UDPAddr{IP: addr.IP, Port: addr.Port}
	mapTimeout := nat.DefaultMapTimeout

	addMapping := func() {
		var err error
		extaddr.IP, err = natm.ExternalIP()
		if err != nil {
			log.Debug("couldn't get external IP", "err", err)
			return
		}
		p, err := natm.AddMapping(protocol, extaddr.Port, intport, name, mapTimeout)
		if err != nil {
			log.Debug("couldn't add port mapping", "err", err)
			return
		}
		if p != uint16(extaddr.Port) {
			extaddr.Port = int(p)
			log.Info("nat mapped alternative port")
		} else {
			log.Info("nat mapped port")
		}
		ln.SetStaticIP(extaddr.IP)
		ln.SetFallbackUDP(extaddr.Port)
	}

	log.Info("attempting port mapping")
	addMapping()
	go func() {
		refresh := time.NewTimer(mapTimeout)
		defer refresh.Stop()
		for range refresh.C {
			addMapping()
			refresh.Reset(mapTimeout)
		}
	}()
}

func loadConfig(ctx *cli.Context) (*Config, error) {
	config := &Config{
		DataDir:        ctx.String(dataDirFlag.Name),
		DataCapacityMB: ctx.Int(dataCapacityFlag.Name),
		UDPPort:        ctx.Int(udpPortFlag.Name),
		RPCAddr:        ctx.String(rpcAddrFlag.Name),
		Networks:       ctx.StringSlice(networksFlag.Name),
	}
	if err := utils.EnsureDir(config.DataDir); err != nil {
		return nil, err
	}

	privateKey, err := loadOrCreatePrivateKey(ctx, config)
	if err != nil {
		return nil, err
	}
	config.PrivateKey = privateKey

	if natString := ctx.String(natFlag.Name); natString != "" {
		natInterface, err := nat.Parse(natString)
		if err != nil {
			return nil, err
		}
		config.NAT = natInterface
	}

	for _, url := range ctx.StringSlice(bootnodesFlag.Name) {
		if url == "" {
			continue
		}
		node, err := enode.Parse(enode.ValidSchemes, url)
		if err != nil {
			log.Error("bootstrap enr invalid", "enr", url, "err", err)
			continue
		}
		config.Bootnodes = append(config.Bootnodes, node)
	}

	return config, nil
}

func loadOrCreatePrivateKey(ctx *cli.Context, config *Config) (*ecdsa.PrivateKey, error) {
	if keyHex := ctx.String(privateKeyFlag.Name); keyHex != "" {
		keyBytes, err := hexutil.Decode(keyHex)
		if err != nil {
			return nil, err
		}
		return crypto.ToECDSA(keyBytes)
	}

	keyPath := filepath.Join(config.DataDir, privateKeyFileName)
	if _, err := os.Stat(keyPath); err == nil {
		log.Info("loading node private key", "path", keyPath)
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, err
		}
		return crypto.HexToECDSA(strings.TrimSpace(string(keyBytes)))
	}

	log.Info("creating new node private key")
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(crypto.FromECDSA(privateKey))), 0600); err != nil {
		return nil, err
	}
	return privateKey, nil
}
