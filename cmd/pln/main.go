package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"plenario/internal/agenda"
	"plenario/internal/app"
	"plenario/internal/broadcast"
	"plenario/internal/config"
	"plenario/internal/db"
	"plenario/internal/domain"
	"plenario/internal/engine"
	"plenario/internal/migrate"
	"plenario/internal/quorum"
	"plenario/internal/repo"
	"plenario/internal/server"
	"plenario/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "pln",
	Short: "Plenario CLI",
	Long: `Plenario runs the legislative workflow of a municipal chamber:
proposition routing (tramitação), plenary sittings, agenda ordering and
roll-call voting with quorum rules.

A workspace is a .plenario directory holding one SQLite database. The
chamber configuration (flows, quorums, holidays) lives in the database
and is imported from YAML.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLENARIO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("chamber", "", "chamber id (overrides single-chamber default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("chamber", rootCmd.PersistentFlags().Lookup("chamber"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposicaoCmd())
	rootCmd.AddCommand(tramitacaoCmd())
	rootCmd.AddCommand(sessaoCmd())
	rootCmd.AddCommand(pautaCmd())
	rootCmd.AddCommand(votacaoCmd())
	rootCmd.AddCommand(quorumCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage chamber configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active chamber configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var chamberID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Print a default configuration YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chamberID == "" {
				chamberID = "camara-municipal"
			}
			fmt.Print(config.GenerateDefault(chamberID))
			return nil
		},
	}
	cmd.Flags().StringVar(&chamberID, "chamber-id", "", "chamber id for the template")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import chamber configuration from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				chamberID := viper.GetString("chamber")
				if chamberID == "" {
					chamberID = cfg.Chamber.ID
				}
				if chamberID == "" {
					return errors.New("chamber id missing; set chamber.id in the file or pass --chamber")
				}
				if err := r.UpsertChamberConfig(ctx, chamberID, cfg); err != nil {
					return err
				}
				fmt.Printf("configuration for %s imported\n", chamberID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML configuration")
	return cmd
}

func proposicaoCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposicao", Short: "Manage propositions"}
	p.AddCommand(proposicaoProtocolarCmd())
	p.AddCommand(proposicaoListCmd())
	p.AddCommand(proposicaoShowCmd())
	p.AddCommand(proposicaoTramitacoesCmd())
	return p
}

func proposicaoProtocolarCmd() *cobra.Command {
	var opts engine.ProtocolOptions
	cmd := &cobra.Command{
		Use:   "protocolar",
		Short: "Protocol a proposition and open its first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Protocol(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proposition id (generated when empty)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "proposition category")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "summary")
	return cmd
}

func proposicaoListCmd() *cobra.Command {
	var f repo.PropositionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List propositions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPropositions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Title", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Category, p.Title, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func proposicaoShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProposition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposicaoTramitacoesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tramitacoes <id>",
		Short: "List a proposition's stage instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTramitacoes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Unit", "Status", "Overdue"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.StageName, t.UnitID, t.Status, t.DaysOverdue})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tramitacaoCmd() *cobra.Command {
	t := &cobra.Command{Use: "tramitacao", Short: "Manage stage instances"}
	t.AddCommand(tramitacaoShowCmd())
	t.AddCommand(tramitacaoAdvanceCmd())
	t.AddCommand(tramitacaoReopenCmd())
	t.AddCommand(tramitacaoFinalizeCmd())
	t.AddCommand(tramitacaoHistoryCmd())
	return t
}

func tramitacaoShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stage instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTramitacao(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tramitacaoAdvanceCmd() *cobra.Command {
	var outcome, opinion, comment, ruleID string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Conclude the stage and route to the next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Advance(ctx, engine.AdvanceOptions{
					TramitacaoID: args[0],
					ActorID:      viper.GetString("actor-id"),
					Outcome:      domain.StageOutcome(outcome),
					Opinion:      opinion,
					Comment:      comment,
					RuleID:       ruleID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "APPROVED", "stage outcome")
	cmd.Flags().StringVar(&opinion, "opinion", "", "opinion text (parecer)")
	cmd.Flags().StringVar(&comment, "comment", "", "history comment")
	cmd.Flags().StringVar(&ruleID, "rule", "", "transition rule id")
	return cmd
}

func tramitacaoReopenCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Reopen a concluded stage instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Reopen(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reopen reason")
	return cmd
}

func tramitacaoFinalizeCmd() *cobra.Command {
	var outcome, reason string
	cmd := &cobra.Command{
		Use:   "finalize <proposition-id>",
		Short: "Finalize a proposition administratively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Finalize(ctx, args[0], viper.GetString("actor-id"), domain.StageOutcome(outcome), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "ARCHIVED", "final outcome")
	cmd.Flags().StringVar(&reason, "reason", "", "finalization reason")
	return cmd
}

func tramitacaoHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Stage instance change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStageHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func sessaoCmd() *cobra.Command {
	s := &cobra.Command{Use: "sessao", Short: "Manage plenary sittings"}
	s.AddCommand(sessaoAgendarCmd())
	s.AddCommand(sessaoListCmd())
	s.AddCommand(sessaoShowCmd())
	s.AddCommand(sessaoTransitionCmd("abrir", "Open the sitting", func(sv session.Service, ctx context.Context, id, actor string) (domain.Sitting, error) {
		return sv.Start(ctx, id, actor)
	}))
	s.AddCommand(sessaoSuspendCmd())
	s.AddCommand(sessaoTransitionCmd("retomar", "Resume a suspended sitting", func(sv session.Service, ctx context.Context, id, actor string) (domain.Sitting, error) {
		return sv.Resume(ctx, id, actor)
	}))
	s.AddCommand(sessaoTransitionCmd("encerrar", "Conclude the sitting", func(sv session.Service, ctx context.Context, id, actor string) (domain.Sitting, error) {
		return sv.Conclude(ctx, id, actor)
	}))
	s.AddCommand(sessaoCancelCmd())
	return s
}

func sessaoAgendarCmd() *cobra.Command {
	var number int
	var when string
	cmd := &cobra.Command{
		Use:   "agendar",
		Short: "Schedule a sitting",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if when != "" {
				parsed, err := time.Parse(time.RFC3339, when)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				at = parsed
			}
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				sitting, err := sv.Schedule(ctx, number, at, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sitting)
			})
		},
	}
	cmd.Flags().IntVar(&number, "number", 1, "sitting number")
	cmd.Flags().StringVar(&when, "at", "", "scheduled time (RFC 3339)")
	return cmd
}

func sessaoListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sittings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				items, err := sv.ListSittings(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Status", "Scheduled", "Real (s)"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Number, s.Status, s.ScheduledAt, s.RealSecs})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func sessaoShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a sitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				sitting, err := sv.GetSitting(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sitting)
			})
		},
	}
}

func sessaoTransitionCmd(use, short string, apply func(session.Service, context.Context, string, string) (domain.Sitting, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				sitting, err := apply(sv, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sitting)
			})
		},
	}
}

func sessaoSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspender <id>",
		Short: "Suspend the sitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				sitting, err := sv.Suspend(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(sitting)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "suspension reason")
	return cmd
}

func sessaoCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancelar <id>",
		Short: "Cancel the sitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				sitting, err := sv.Cancel(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(sitting)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func pautaCmd() *cobra.Command {
	p := &cobra.Command{Use: "pauta", Short: "Manage the sitting agenda"}
	p.AddCommand(pautaAddCmd())
	p.AddCommand(pautaListCmd())
	p.AddCommand(pautaMoveCmd())
	p.AddCommand(pautaRemoveCmd())
	p.AddCommand(pautaItemCmd("iniciar", "Start (or restart) an item's clock", func(sv session.Service, ctx context.Context, id, actor string) (domain.AgendaItem, error) {
		return sv.StartItem(ctx, id, actor)
	}))
	p.AddCommand(pautaItemCmd("pausar", "Pause an item's clock", func(sv session.Service, ctx context.Context, id, actor string) (domain.AgendaItem, error) {
		return sv.PauseItem(ctx, id, actor)
	}))
	p.AddCommand(pautaFinishCmd())
	return p
}

func pautaAddCmd() *cobra.Command {
	var opts agenda.AddItemOptions
	var section, action string
	cmd := &cobra.Command{
		Use:   "add <sitting-id>",
		Short: "Schedule an agenda item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SittingID = args[0]
			opts.Section = domain.AgendaSection(section)
			opts.ActionType = domain.ActionType(action)
			opts.ActorID = viper.GetString("actor-id")
			return withAgenda(cmd.Context(), func(ctx context.Context, a agenda.Service) error {
				item, err := a.AddItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "EXPEDIENTE", "agenda section")
	cmd.Flags().StringVar(&action, "action", "READING", "action type")
	cmd.Flags().StringVar(&opts.PropositionID, "proposition", "", "proposition id")
	cmd.Flags().StringVar(&opts.RapporteurID, "rapporteur", "", "rapporteur id")
	cmd.Flags().Int64Var(&opts.EstimatedSecs, "estimated-secs", 0, "estimated duration in seconds")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "position within section (0 appends)")
	return cmd
}

func pautaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sitting-id>",
		Short: "List a sitting's agenda in display order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgenda(cmd.Context(), func(ctx context.Context, a agenda.Service) error {
				items, err := a.List(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Section", "Pos", "Status", "Action", "Proposition"})
				for _, it := range items {
					prop := ""
					if it.PropositionID != nil {
						prop = *it.PropositionID
					}
					tw.AppendRow(table.Row{it.ID, it.Section, it.Position, it.Status, it.ActionType, prop})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pautaMoveCmd() *cobra.Command {
	var section string
	var position int
	cmd := &cobra.Command{
		Use:   "mover <item-id>",
		Short: "Move an agenda item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgenda(cmd.Context(), func(ctx context.Context, a agenda.Service) error {
				item, err := a.MoveItem(ctx, args[0], domain.AgendaSection(section), position, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "target section (defaults to current)")
	cmd.Flags().IntVar(&position, "position", 0, "target position (0 appends)")
	return cmd
}

func pautaRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remover <item-id>",
		Short: "Withdraw a pending agenda item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgenda(cmd.Context(), func(ctx context.Context, a agenda.Service) error {
				return a.RemoveItem(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func pautaItemCmd(use, short string, apply func(session.Service, context.Context, string, string) (domain.AgendaItem, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				item, err := apply(sv, ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func pautaFinishCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "finalizar <item-id>",
		Short: "Finish an item with a final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, sv session.Service) error {
				item, err := sv.FinishItem(ctx, args[0], domain.ItemStatus(status), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "CONCLUDED", "final status")
	return cmd
}

func votacaoCmd() *cobra.Command {
	v := &cobra.Command{Use: "votacao", Short: "Run voting rounds"}
	v.AddCommand(votacaoAbrirCmd())
	v.AddCommand(votacaoAtualizarCmd())
	v.AddCommand(votacaoEncerrarCmd())
	v.AddCommand(votacaoPresidenteCmd())
	v.AddCommand(votacaoStatusCmd())
	return v
}

func votacaoAbrirCmd() *cobra.Command {
	var round, present int
	cmd := &cobra.Command{
		Use:   "abrir <item-id>",
		Short: "Open a voting round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.StartRound(ctx, engine.StartRoundOptions{
					ItemID:         args[0],
					Round:          round,
					PresentMembers: present,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&round, "round", 1, "round number (1 or 2)")
	cmd.Flags().IntVar(&present, "present", 0, "present members")
	return cmd
}

func votacaoAtualizarCmd() *cobra.Command {
	var yes, no, abstain, present int
	cmd := &cobra.Command{
		Use:   "atualizar <item-id>",
		Short: "Update the open round's tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UpdateTally(ctx, engine.TallyOptions{
					ItemID:         args[0],
					Tally:          domain.VoteTally{Yes: yes, No: no, Abstain: abstain},
					PresentMembers: present,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().IntVar(&yes, "yes", 0, "yes votes")
	cmd.Flags().IntVar(&no, "no", 0, "no votes")
	cmd.Flags().IntVar(&abstain, "abstain", 0, "abstentions")
	cmd.Flags().IntVar(&present, "present", 0, "present members")
	return cmd
}

func votacaoEncerrarCmd() *cobra.Command {
	var override, reason string
	cmd := &cobra.Command{
		Use:   "encerrar <item-id>",
		Short: "Close the open round and compute the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var o *domain.RoundOutcome
				if override != "" {
					oc := domain.RoundOutcome(override)
					o = &oc
				}
				v, err := e.CloseRound(ctx, engine.CloseRoundOptions{
					ItemID:         args[0],
					ActorID:        viper.GetString("actor-id"),
					Override:       o,
					OverrideReason: reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&override, "override", "", "override outcome (requires --reason when it differs)")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason")
	return cmd
}

func votacaoPresidenteCmd() *cobra.Command {
	var vote string
	cmd := &cobra.Command{
		Use:   "voto-presidente <item-id>",
		Short: "Register the presiding member's tie-break vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RegisterPresidingVote(ctx, args[0], vote, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&vote, "vote", "", "YES, NO or ABSTAIN")
	return cmd
}

func votacaoStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id>",
		Short: "Rounds held for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rounds, err := e.RoundStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Yes", "No", "Abstain", "Status", "Outcome"})
				for _, v := range rounds {
					outcome := ""
					if v.Outcome != nil {
						outcome = string(*v.Outcome)
					}
					tw.AppendRow(table.Row{v.Round, v.Tally.Yes, v.Tally.No, v.Tally.Abstain, v.Status, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func quorumCmd() *cobra.Command {
	var policyName string
	var yes, no, abstain, present int
	cmd := &cobra.Command{
		Use:   "quorum",
		Short: "Evaluate a tally against a quorum policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				policy, ok := e.Config.Quorums[policyName]
				if !ok {
					return fmt.Errorf("quorum policy %q not configured", policyName)
				}
				res := quorum.Evaluate(policy, domain.VoteTally{Yes: yes, No: no, Abstain: abstain},
					e.Config.Chamber.TotalSeats, present)
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "votacao-simples", "quorum policy name")
	cmd.Flags().IntVar(&yes, "yes", 0, "yes votes")
	cmd.Flags().IntVar(&no, "no", 0, "no votes")
	cmd.Flags().IntVar(&abstain, "abstain", 0, "abstentions")
	cmd.Flags().IntVar(&present, "present", 0, "present members")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestAuditEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + "-" + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key created (id %s). Store it now; it is not shown again:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveChamberAndConfig(cmd.Context(), viper.GetString("chamber"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			sv := session.New(conn)
			a := agenda.New(conn)
			pub, err := broadcast.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
			if err != nil {
				return fmt.Errorf("connect broadcast broker: %w", err)
			}
			defer pub.Close()
			e.Broadcast = pub
			sv.Broadcast = pub
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PLENARIO_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("PLENARIO_ALLOW_LEGACY_ACTOR") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("PLENARIO_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Agenda:   a,
				Session:  sv,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Plenario API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openWorkspace() (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openWorkspace()
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveChamberAndConfig(ctx, viper.GetString("chamber"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openWorkspace()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withSession(ctx context.Context, fn func(context.Context, session.Service) error) error {
	conn, err := openWorkspace()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, session.New(conn))
}

func withAgenda(ctx context.Context, fn func(context.Context, agenda.Service) error) error {
	conn, err := openWorkspace()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, agenda.New(conn))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
