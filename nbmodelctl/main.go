package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
	"github.com/datalayer/jupyter-nbmodel-client/nbmodel"
)

const NbModelCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// envConfig fills in the defaults that are usually ambient on a Jupyter
// workstation.
type envConfig struct {
	ServerUrl string `env:"JUPYTER_SERVER_URL" envDefault:"http://localhost:8888"`
	Token     string `env:"JUPYTER_TOKEN"`
}

func main() {
	usage := `Notebook model control.

The default server_url is taken from JUPYTER_SERVER_URL
(http://localhost:8888 when unset), and the default token from
JUPYTER_TOKEN.

Usage:
    nbmodelctl watch [--server_url=<server_url>] [--token=<token>] <path>
    nbmodelctl agent [--server_url=<server_url>] [--token=<token>]
        [--reply=<reply>] <path>
    nbmodelctl append [--server_url=<server_url>] [--token=<token>]
        [--markdown] --source=<source> <path>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --server_url=<server_url>  Jupyter server base url.
    --token=<token>            Server authorization token.
    --reply=<reply>            Canned reply text for every prompt.
    --markdown                 Append a markdown cell instead of code.
    --source=<source>          Cell source to append.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], NbModelCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if agent_, _ := opts.Bool("agent"); agent_ {
		agent(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendCell(opts)
	}
}

func roomUrl(opts docopt.Opts) string {
	config := envConfig{}
	if err := env.Parse(&config); err != nil {
		Err.Fatalf("Could not read environment (%s).", err)
	}
	serverUrl := config.ServerUrl
	if serverUrl_, err := opts.String("--server_url"); err == nil && serverUrl_ != "" {
		serverUrl = serverUrl_
	}
	token := config.Token
	if token_, err := opts.String("--token"); err == nil && token_ != "" {
		token = token_
	}
	path, _ := opts.String("<path>")

	url, err := nbmodel.NotebookWebsocketUrl(context.Background(), serverUrl, path, token)
	if err != nil {
		Err.Fatalf("Could not negotiate a session for %s (%s).", path, err)
	}
	return url
}

// print every change batch reaching the local replica until interrupted
func watch(opts docopt.Opts) {
	client := nbmodel.NewNbModelClient(roomUrl(opts))

	model := client.Model()
	model.Observe(func(batch crdt.DeltaBatch) {
		for _, delta := range batch.Deltas {
			Out.Printf("%T%+v", delta, delta)
		}
	})

	if _, err := client.Start(context.Background()); err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer client.Stop()

	Out.Printf("Watching %d cells. Interrupt to stop.", model.Len())
	waitForInterrupt()
}

// answer every prompt in the notebook with a canned reply
func agent(opts docopt.Opts) {
	reply, _ := opts.String("--reply")
	if reply == "" {
		reply = "Noted."
	}

	client := nbmodel.NewNbModelClient(roomUrl(opts))
	model, err := client.Start(context.Background())
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}
	defer client.Stop()

	nbAgent := nbmodel.NewBaseNbAgent(
		model,
		func(ctx context.Context, event nbmodel.UserPromptEvent) (string, error) {
			Out.Printf("Prompt %s from %s: %s", event.PromptID, event.Author, event.Text)
			return reply, nil
		},
		func(ctx context.Context, event nbmodel.CellSourceChangeEvent) error {
			Out.Printf("Cell %s source changed.", event.CellID)
			return nil
		},
	)
	defer nbAgent.Close()

	Out.Printf("Agent running. Interrupt to stop.")
	waitForInterrupt()
}

// append one cell then disconnect, flushing the update on the way out
func appendCell(opts docopt.Opts) {
	source, _ := opts.String("--source")
	markdown, _ := opts.Bool("--markdown")

	client := nbmodel.NewNbModelClient(roomUrl(opts))
	model, err := client.Start(context.Background())
	if err != nil {
		Err.Fatalf("Could not connect (%s).", err)
	}

	var index int
	if markdown {
		index, err = model.AppendMarkdownCell(source)
	} else {
		index, err = model.AppendCodeCell(source)
	}
	if err != nil {
		client.Stop()
		Err.Fatalf("Could not append the cell (%s).", err)
	}

	if err := client.Stop(); err != nil {
		Err.Fatalf("Could not close the session cleanly (%s).", err)
	}
	fmt.Printf("Appended cell %d.\n", index)
}

func waitForInterrupt() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}
