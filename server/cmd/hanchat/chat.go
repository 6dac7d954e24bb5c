package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hanchat/server/internal/config"
	"hanchat/server/internal/domain"
	"hanchat/server/internal/logging"
	"hanchat/server/internal/model"
	"hanchat/server/internal/orchestrator"
	"hanchat/server/internal/timeline"
	"hanchat/server/internal/tutor"
)

const chatHelp = `commands:
  /scene <name>   load a scene        /start   let the assistant open
  /level <level>  set CEFR level      /end     verify the scene goal
  /topic <topic>  set topic           /reset   start over
  /words <list>   set practice words  /quit    exit`

func newChatCmd() *cobra.Command {
	var scene string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Practice in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return runChat(cmd.Context(), path, scene, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&scene, "scene", "", "scene to load on start")
	return cmd
}

func runChat(ctx context.Context, configPath, scene string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// 终端里只显示警告以上的日志，避免打断对话。
	cfg.Logging.Level = "warn"
	cfg.Logging.Output = "stderr"
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}

	catalog, err := domain.LoadScenes(cfg.Paths.Scenes)
	if err != nil {
		return err
	}
	services, err := tutor.NewFromConfig(cfg.LLM, logging.Component(logger, "tutor"))
	if err != nil {
		return err
	}

	tl := timeline.NewInMemoryStore()
	sess := orchestrator.NewSession("cli", services, catalog,
		orchestrator.WithDefaults(orchestrator.Defaults{Level: cfg.Session.DefaultLevel, Topic: cfg.Session.DefaultTopic}),
		orchestrator.WithTimeline(tl),
		orchestrator.WithLogger(logging.Component(logger, "session")),
	)
	defer sess.Close()

	events, cancel := tl.Subscribe("cli")
	defer cancel()
	go printGradings(out, events)

	r := &chatREPL{sess: sess, catalog: catalog, out: out}
	if scene != "" {
		r.command(ctx, "/scene "+scene)
	}
	fmt.Fprintln(out, color.New(color.Faint).Sprint(chatHelp))

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, color.GreenString("你> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !r.command(ctx, line) {
				break
			}
			continue
		}
		msgs, err := sess.SendMessage(ctx, line)
		r.printReply(msgs, err)
	}
	return scanner.Err()
}

type chatREPL struct {
	sess    *orchestrator.Session
	catalog *domain.Catalog
	out     io.Writer
}

// command 执行一条斜杠命令；返回 false 表示退出。
func (r *chatREPL) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "quit", "exit":
		return false
	case "scene":
		var ok bool
		if ok, err = r.sess.LoadScene(arg); err == nil {
			if ok {
				fmt.Fprintf(r.out, "%s %s\n", color.GreenString("✓"), color.CyanString(arg))
			} else {
				fmt.Fprintf(r.out, "%s unknown scene %q (available: %s)\n",
					color.YellowString("!"), arg, strings.Join(r.catalog.Names(), ", "))
			}
		}
	case "start":
		msgs, serr := r.sess.StartConversation(ctx)
		r.printReply(msgs, serr)
	case "end":
		var res model.VerificationResult
		if res, err = r.sess.EndConversation(ctx); err == nil {
			mark := color.RedString("✗")
			if res.Success {
				mark = color.GreenString("✓")
			}
			fmt.Fprintf(r.out, "%s %s\n", mark, res.Justification)
		}
	case "reset":
		err = r.sess.Reset()
	case "level":
		err = r.sess.SetLevel(arg)
	case "topic":
		err = r.sess.SetTopic(arg)
	case "words":
		err = r.sess.SetPracticeWords(arg)
	default:
		fmt.Fprintln(r.out, chatHelp)
	}
	if err != nil {
		r.printError(err)
	}
	return true
}

func (r *chatREPL) printReply(msgs []model.Message, err error) {
	if err != nil {
		r.printError(err)
		return
	}
	for _, m := range msgs {
		if m.Meta.Kind == model.SegmentAction {
			fmt.Fprintln(r.out, color.New(color.Italic, color.Faint).Sprintf("（%s）", m.Text))
			continue
		}
		fmt.Fprintln(r.out, m.Text)
		fmt.Fprintln(r.out, color.CyanString(pinyinLine(m.Meta.Tokens)))
	}
}

func (r *chatREPL) printError(err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNoScene):
		fmt.Fprintf(r.out, "%s load a scene first (/scene <name>)\n", color.YellowString("!"))
	default:
		fmt.Fprintf(r.out, "%s %v\n", color.RedString("✗"), err)
	}
}

// pinyinLine 把可翻译词的拼音排成一行，标点原样保留。
func pinyinLine(tokens []model.RenderToken) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Translatable && t.Pinyin != "" {
			parts = append(parts, t.Pinyin)
		} else {
			parts = append(parts, t.Word)
		}
	}
	return strings.Join(parts, " ")
}

func printGradings(out io.Writer, events <-chan model.Event) {
	for evt := range events {
		if evt.Type != model.EventGrading || evt.Message == nil || evt.Message.Meta.Grading == nil {
			continue
		}
		g := evt.Message.Meta.Grading
		var scores []string
		for _, dim := range model.RubricDimensions {
			scores = append(scores, fmt.Sprintf("%s %d/%d", dim, g.Score(dim), model.MaxRubricScore))
		}
		fmt.Fprintf(out, "\n%s %s\n", color.MagentaString("评分"), strings.Join(scores, " · "))
		if g.Feedback != "" {
			fmt.Fprintf(out, "  %s\n", g.Feedback)
		}
		if g.ImprovedSentence != "" && g.ImprovedSentence != evt.Message.Text {
			fmt.Fprintf(out, "  %s %s\n", color.GreenString("→"), g.ImprovedSentence)
		}
	}
}
