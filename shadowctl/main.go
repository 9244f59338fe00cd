package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"gopkg.in/yaml.v3"

	"fieldstation.com/shadow/shadow"
)

const ShadowCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Shadow sync control.

Usage:
    shadowctl serve [--config=<config>] [--listen=<listen>]
    shadowctl token --client_id=<client_id> [--secret=<secret>]
    shadowctl get [--url=<url>] [--jwt=<jwt>] <device_id>
    shadowctl set-desired [--url=<url>] [--jwt=<jwt>] <device_id> <patch>
    shadowctl report [--url=<url>] [--jwt=<jwt>] <device_id> <patch>
    shadowctl watch [--url=<url>] [--jwt=<jwt>] <device_id>...

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Server config yaml.
    --listen=<listen>          Listen address [default: 127.0.0.1:7070].
    --url=<url>                Sync server websocket url [default: ws://127.0.0.1:7070/ws].
    --jwt=<jwt>                Client identity JWT.
    --client_id=<client_id>    Client id claim for the minted token.
    --secret=<secret>          HS256 signing secret [default: dev].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ShadowCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if setDesired_, _ := opts.Bool("set-desired"); setDesired_ {
		update(opts, shadow.SectionDesired)
	} else if report_, _ := opts.Bool("report"); report_ {
		update(opts, shadow.SectionReported)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

type serveConfig struct {
	Listen               string `yaml:"listen"`
	AuthTimeoutMillis    int    `yaml:"authTimeoutMillis"`
	PingTimeoutMillis    int    `yaml:"pingTimeoutMillis"`
	WriteTimeoutMillis   int    `yaml:"writeTimeoutMillis"`
	ReadTimeoutMillis    int    `yaml:"readTimeoutMillis"`
	SubscriberBufferSize int    `yaml:"subscriberBufferSize"`
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	settings := shadow.DefaultServerSettings()

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			Err.Fatalf("Could not read config (%s).", err)
		}
		config := &serveConfig{}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			Err.Fatalf("Could not parse config (%s).", err)
		}
		if config.Listen != "" {
			listen = config.Listen
		}
		applyMillis := func(target *time.Duration, millis int) {
			if 0 < millis {
				*target = time.Duration(millis) * time.Millisecond
			}
		}
		applyMillis(&settings.AuthTimeout, config.AuthTimeoutMillis)
		applyMillis(&settings.PingTimeout, config.PingTimeoutMillis)
		applyMillis(&settings.WriteTimeout, config.WriteTimeoutMillis)
		applyMillis(&settings.ReadTimeout, config.ReadTimeoutMillis)
		if 0 < config.SubscriberBufferSize {
			settings.SubscriberBufferSize = config.SubscriberBufferSize
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	store := shadow.NewShadowStore()
	hub := shadow.NewFanoutHub()
	syncProtocol := shadow.NewSyncProtocol(store, hub)
	server := shadow.NewServer(cancelCtx, syncProtocol, hub, settings)

	Out.Printf("serving on %s", listen)
	if err := server.ListenAndServe(listen); err != nil {
		Err.Printf("serve ended (%s)", err)
	}
}

func token(opts docopt.Opts) {
	clientIdStr, _ := opts.String("--client_id")
	secret, _ := opts.String("--secret")

	clientId, err := shadow.ParseId(clientIdStr)
	if err != nil {
		Err.Fatalf("Invalid client_id (%s).", err)
	}

	jwt, err := shadow.SignByJwt([]byte(secret), &shadow.ByJwt{
		ClientId: clientId,
	})
	if err != nil {
		Err.Fatalf("Could not sign token (%s).", err)
	}
	Out.Printf("%s", jwt)
}

func newClient(opts docopt.Opts) (context.CancelFunc, *shadow.ReconnectingClient) {
	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	client := shadow.NewReconnectingClientWithDefaults(cancelCtx, url, &shadow.ClientAuth{
		ByJwt:      jwt,
		InstanceId: shadow.NewId(),
		AppVersion: ShadowCtlVersion,
	})
	return cancel, client
}

func get(opts docopt.Opts) {
	deviceId, _ := opts.String("<device_id>")

	cancel, client := newClient(opts)
	defer cancel()
	defer client.Close()

	client.Start()
	waitConnected(client)

	doc, err := client.GetShadow(context.Background(), deviceId)
	if err != nil {
		Err.Fatalf("Get failed (%s).", err)
	}
	docJson, _ := json.MarshalIndent(doc, "", "  ")
	Out.Printf("%s", docJson)
}

func update(opts docopt.Opts, section shadow.Section) {
	deviceId, _ := opts.String("<device_id>")
	patchJson, _ := opts.String("<patch>")

	patch := shadow.Patch{}
	if err := json.Unmarshal([]byte(patchJson), &patch); err != nil {
		Err.Fatalf("Invalid patch (%s).", err)
	}

	cancel, client := newClient(opts)
	defer cancel()
	defer client.Close()

	client.Start()
	waitConnected(client)

	var version uint64
	var err error
	switch section {
	case shadow.SectionDesired:
		version, err = client.UpdateDesired(context.Background(), deviceId, patch)
	case shadow.SectionReported:
		version, err = client.ReportState(context.Background(), deviceId, patch)
	}
	if err != nil {
		Err.Fatalf("Update failed (%s).", err)
	}
	Out.Printf("version=%d", version)
}

func watch(opts docopt.Opts) {
	deviceIds, _ := opts["<device_id>"].([]string)

	cancel, client := newClient(opts)
	defer cancel()
	defer client.Close()

	client.AddReceiveCallback(func(update *shadow.StateUpdate) {
		deltaJson, _ := json.Marshal(update.Delta)
		Out.Printf("%s v%d %s", update.DeviceId, update.Version, deltaJson)
	})
	client.AddStateCallback(func(state shadow.ClientState) {
		Out.Printf("# %s", state)
	})

	for _, deviceId := range deviceIds {
		if err := client.Subscribe(context.Background(), deviceId); err != nil {
			Err.Printf("Subscribe %s failed (%s).", deviceId, err)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func waitConnected(client *shadow.ReconnectingClient) {
	connected := make(chan struct{})
	remove := client.AddStateCallback(func(state shadow.ClientState) {
		if state == shadow.ClientStateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	if client.State() == shadow.ClientStateConnected {
		return
	}
	<-connected
}
