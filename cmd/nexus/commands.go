package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"uptime_nexus/internal/app"
	"uptime_nexus/internal/shared/config"
	"uptime_nexus/internal/shared/logger"
)

// runCmd 为一个账户的每个代理启动一个流式管理器。
func runCmd(g *globalFlags) *cobra.Command {
	var (
		tokenFlag string
		area      string
		count     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream one account through every proxy of its list",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := app.ResolveToken(tokenFlag)
			if err != nil {
				return err
			}
			cfg, err := g.load(app.Options{Area: area, Count: count})
			if err != nil {
				return err
			}
			s, err := app.New(cfg)
			if err != nil {
				return err
			}
			logger.Info().Str("account", logger.Mask(token)).Msg("Starting ...")
			return s.RunStream(cmd.Context(), token)
		},
	}
	cmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "account token (or NEXUS_TOKEN)")
	cmd.Flags().StringVar(&area, "area", "", "country code substituted into [proxy] template")
	cmd.Flags().IntVar(&count, "count", 0, "number of proxies generated from [proxy] template")
	return cmd
}

func singleCmd(g *globalFlags) *cobra.Command {
	var tokenFlag string
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Stream one account without a proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := app.ResolveToken(tokenFlag)
			if err != nil {
				return err
			}
			cfg, err := g.load(app.Options{})
			if err != nil {
				return err
			}
			s, err := app.New(cfg)
			if err != nil {
				return err
			}
			return s.RunSingle(cmd.Context(), token)
		},
	}
	cmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "account token (or NEXUS_TOKEN)")
	return cmd
}

// pollCmd 运行轮询变体，tokens 文件中的每个 token 一个 PollManager。
func pollCmd(g *globalFlags) *cobra.Command {
	var tokensPath string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll every account listed in the tokens file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(app.Options{})
			if err != nil {
				return err
			}
			tokens, err := config.LoadTokens(tokensPath)
			if err != nil {
				return err
			}
			s, err := app.New(cfg)
			if err != nil {
				return err
			}
			logger.Info().Int("accounts", len(tokens)).Msg("Starting polling.")
			return s.RunPoll(cmd.Context(), tokens)
		},
	}
	cmd.Flags().StringVar(&tokensPath, "tokens", "tokens.txt", "file with one token per line")
	return cmd
}

func initCmd(g *globalFlags) *cobra.Command {
	var (
		tokenFlag string
		name      string
		count     int
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or refresh an account record",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := app.ResolveToken(tokenFlag)
			if err != nil {
				return err
			}
			cfg, err := g.load(app.Options{})
			if err != nil {
				return err
			}
			if count <= 0 {
				count = cfg.ProxyConf.Count
			}
			if name == "" {
				name = fmt.Sprintf("nodepay-%s", logger.Mask(token))
			}
			s, err := app.New(cfg)
			if err != nil {
				return err
			}
			_, err = s.InitAccount(token, name, count)
			return err
		},
	}
	cmd.Flags().StringVarP(&tokenFlag, "token", "t", "", "account token (or NEXUS_TOKEN)")
	cmd.Flags().StringVar(&name, "name", "", "account label shown on the dashboard")
	cmd.Flags().IntVar(&count, "count", 0, "expected number of proxies (defaults to [proxy] count)")
	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard only",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(app.Options{})
			if err != nil {
				return err
			}
			s, err := app.New(cfg)
			if err != nil {
				return err
			}
			return s.Serve(cmd.Context())
		},
	}
}
