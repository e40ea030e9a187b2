package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"solstice-agent/internal/app"
	"solstice-agent/internal/config"
	"solstice-agent/internal/conversation"
	"solstice-agent/internal/memory"
	"solstice-agent/internal/scheduler"
	"solstice-agent/internal/tool"
	"solstice-agent/pkg/logger"
	"solstice-agent/sdk/go/solstice"
)

const (
	replChannel = "cli"
	replSender  = "local"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("solstice: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", os.Getenv("SOLSTICE_CONFIG"), "path to the YAML config file")
	stream := flag.Bool("stream", true, "print the reply as it is generated")
	remote := flag.String("remote", "", "talk to a running solsticed at this URL instead of starting a local runtime")
	flag.Parse()

	_ = godotenv.Load()

	if *remote != "" {
		client, err := solstice.NewClient(*remote, nil)
		if err != nil {
			return err
		}
		client.SetToken(os.Getenv("SOLSTICE_API_TOKEN"))
		r := &remoteREPL{client: client, in: bufio.NewReader(os.Stdin), out: os.Stdout}
		return r.loop(ctx)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Logging.OutputPaths) == 0 {
		// 日志不与对话输出混在一起。
		cfg.Logging.OutputPaths = []string{"stderr"}
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !cfg.Scheduler.Disabled {
		go func() { _ = a.Scheduler.Run(ctx) }()
	}

	in := bufio.NewReader(os.Stdin)
	r := &repl{app: a, in: in, out: os.Stdout, stream: *stream}
	return r.loop(ctx)
}

// readLine 读取一行输入；EOF 时返回 ok=false。
func readLine(in *bufio.Reader, out io.Writer) (string, bool, error) {
	fmt.Fprint(out, "> ")
	line, err := in.ReadString('\n')
	if errors.Is(err, io.EOF) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(line), true, nil
}

type repl struct {
	app    *app.App
	in     *bufio.Reader
	out    io.Writer
	stream bool
}

func (r *repl) loop(ctx context.Context) error {
	fmt.Fprintln(r.out, "solstice ready. /jobs, /facts, /quit")
	for {
		line, ok, err := readLine(r.in, r.out)
		if !ok {
			return err
		}
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/jobs":
			fmt.Fprintln(r.out, scheduler.FormatJobs(r.app.Scheduler.List(ctx)))
			continue
		case line == "/facts":
			r.printFacts(ctx)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		r.turn(ctx, line)
	}
}

func (r *repl) turn(ctx context.Context, text string) {
	id, handle, text := r.app.Router.Route(replChannel, replSender, text)
	ctx = tool.WithCaller(ctx, tool.Caller{Channel: replChannel})
	ctx = tool.WithConfirmer(ctx, tool.ConfirmerFunc(r.confirm))

	streamed := false
	if r.stream {
		ctx = conversation.WithStream(ctx, func(delta string) {
			if !streamed {
				fmt.Fprintf(r.out, "[%s] ", id.Name)
				streamed = true
			}
			fmt.Fprint(r.out, delta)
		})
	}
	reply, err := handle.Advance(ctx, text, nil)
	switch {
	case streamed:
		fmt.Fprintln(r.out)
	case reply != "":
		fmt.Fprintf(r.out, "[%s] %s\n", id.Name, reply)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
}

// confirm 在终端询问用户是否允许执行危险操作。
func (r *repl) confirm(_ context.Context, action string) bool {
	fmt.Fprintf(r.out, "\nAllow: %s? [y/N] ", action)
	answer, err := r.in.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (r *repl) printFacts(ctx context.Context) {
	scope := ""
	if r.app.Config.Memory.Scope == memory.ScopeAgent {
		scope = r.app.Config.Routing.Default
	}
	facts, err := r.app.Memory.Facts(ctx, scope)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	if len(facts) == 0 {
		fmt.Fprintln(r.out, "No facts stored yet.")
		return
	}
	for _, f := range facts {
		fmt.Fprintf(r.out, "- %s: %s\n", f.Key, f.Value)
	}
}

// remoteREPL 通过 HTTP API 与运行中的守护进程对话。
type remoteREPL struct {
	client *solstice.Client
	in     *bufio.Reader
	out    io.Writer
}

func (r *remoteREPL) loop(ctx context.Context) error {
	fmt.Fprintln(r.out, "solstice (remote) ready. /jobs, /facts, /quit")
	for {
		line, ok, err := readLine(r.in, r.out)
		if !ok {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/jobs":
			jobs, err := r.client.Jobs(ctx)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
				continue
			}
			if len(jobs) == 0 {
				fmt.Fprintln(r.out, "No scheduled jobs.")
			}
			for _, j := range jobs {
				fmt.Fprintf(r.out, "- %s [%s] %s (next %s)\n", j.ID, j.Schedule, j.Prompt, j.NextRun.Format("2006-01-02 15:04"))
			}
		case "/facts":
			facts, err := r.client.Facts(ctx, "", 0)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
				continue
			}
			for _, f := range facts {
				fmt.Fprintf(r.out, "- %s: %s\n", f.Key, f.Value)
			}
		default:
			reply, err := r.client.Chat(ctx, "", replSender, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(r.out, "[%s] %s\n", reply.Agent, reply.Reply)
		}
	}
}
