package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jinzhu/configor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/benhoyt/cdnupload"
)

type appConfig struct {
	Action           string `default:"upload"`
	DryRun           bool
	Force            bool
	HashLength       int `default:"16"`
	DotNames         bool
	Include          []string
	Exclude          []string
	FollowSymlinks   bool
	IgnoreWalkErrors bool
	ContinueOnErrors bool
	Concurrency      int `default:"1"`
	KeyMap           string
	SNSTopic         string
	Interval         int
	LogLevel         string `default:"info"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg appConfig
	var configFile string

	cmd := &cobra.Command{
		Use:          "cdnupload SOURCE DESTINATION",
		Short:        "Upload static files to a CDN origin, renaming to include a content hash",
		Long: `Upload static files from a source tree to a destination (directory,
s3://bucket/prefix or gs://bucket/prefix), renaming each file to include a
hash of its content so changed files get new names and unchanged files are
skipped.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				var fileCfg appConfig
				if err := configor.Load(&fileCfg, configFile); err != nil {
					return fmt.Errorf("error loading config file: %w", err)
				}
				applyFileConfig(&cfg, fileCfg, cmd)
			}

			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}
			log.SetLevel(level)

			if cfg.Interval > 0 {
				scheduler := gocron.NewScheduler(time.UTC)
				_, schedErr := scheduler.Every(cfg.Interval).Minutes().Do(func() {
					if runErr := run(cfg, args[0], args[1]); runErr != nil {
						log.Errorf("sync failed: %s", runErr)
					}
				})
				if schedErr != nil {
					return schedErr
				}
				log.Infof("running every %d minutes, press ctrl-c to stop", cfg.Interval)
				scheduler.StartBlocking()
				return nil
			}
			return run(cfg, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (YAML or JSON) with the same options as the flags")
	flags.StringVarP(&cfg.Action, "action", "a", "upload", "action to perform: upload or delete")
	flags.BoolVarP(&cfg.DryRun, "dry-run", "d", false, "show what would be uploaded or deleted without doing it")
	flags.BoolVarP(&cfg.Force, "force", "f", false, "force upload even if destination key exists; for delete, skip the delete-everything safety check")
	flags.IntVarP(&cfg.HashLength, "hash-length", "l", cdnupload.DefaultHashLength, "number of hash chars to include in keys")
	flags.BoolVar(&cfg.DotNames, "dot-names", false, "include files and directories starting with '.'")
	flags.StringArrayVar(&cfg.Include, "include", nil, "only upload paths matching these glob patterns")
	flags.StringArrayVar(&cfg.Exclude, "exclude", nil, "don't upload paths matching these glob patterns")
	flags.BoolVar(&cfg.FollowSymlinks, "follow-symlinks", false, "follow symbolic links to directories")
	flags.BoolVar(&cfg.IgnoreWalkErrors, "ignore-walk-errors", false, "continue when a subdirectory can't be read (errors on the source root are still fatal)")
	flags.BoolVar(&cfg.ContinueOnErrors, "continue-on-errors", false, "continue after individual upload or delete errors and report the error count")
	flags.IntVar(&cfg.Concurrency, "concurrency", 1, "max parallel uploads or deletes")
	flags.StringVar(&cfg.KeyMap, "key-map", "", "after upload, write the path-to-key map to this JSON file")
	flags.StringVar(&cfg.SNSTopic, "sns-topic", "", "SNS topic ARN to notify when a run finishes with errors")
	flags.IntVar(&cfg.Interval, "interval", 0, "keep running, repeating the sync every N minutes")
	flags.StringVarP(&cfg.LogLevel, "log-level", "o", "info", "log level: debug, info, warning or error")

	return cmd
}

// applyFileConfig fills cfg from the config file for every option not set
// explicitly on the command line.
func applyFileConfig(cfg *appConfig, fileCfg appConfig, cmd *cobra.Command) {
	changed := cmd.Flags().Changed
	if !changed("action") {
		cfg.Action = fileCfg.Action
	}
	if !changed("dry-run") {
		cfg.DryRun = fileCfg.DryRun
	}
	if !changed("force") {
		cfg.Force = fileCfg.Force
	}
	if !changed("hash-length") {
		cfg.HashLength = fileCfg.HashLength
	}
	if !changed("dot-names") {
		cfg.DotNames = fileCfg.DotNames
	}
	if !changed("include") {
		cfg.Include = fileCfg.Include
	}
	if !changed("exclude") {
		cfg.Exclude = fileCfg.Exclude
	}
	if !changed("follow-symlinks") {
		cfg.FollowSymlinks = fileCfg.FollowSymlinks
	}
	if !changed("ignore-walk-errors") {
		cfg.IgnoreWalkErrors = fileCfg.IgnoreWalkErrors
	}
	if !changed("continue-on-errors") {
		cfg.ContinueOnErrors = fileCfg.ContinueOnErrors
	}
	if !changed("concurrency") {
		cfg.Concurrency = fileCfg.Concurrency
	}
	if !changed("key-map") {
		cfg.KeyMap = fileCfg.KeyMap
	}
	if !changed("sns-topic") {
		cfg.SNSTopic = fileCfg.SNSTopic
	}
	if !changed("interval") {
		cfg.Interval = fileCfg.Interval
	}
	if !changed("log-level") {
		cfg.LogLevel = fileCfg.LogLevel
	}
}

func run(cfg appConfig, sourceRoot, destURL string) error {
	source := cdnupload.NewFileSource(sourceRoot)
	source.DotNames = cfg.DotNames
	source.Include = cfg.Include
	source.Exclude = cfg.Exclude
	source.FollowSymlinks = cfg.FollowSymlinks
	source.IgnoreWalkErrors = cfg.IgnoreWalkErrors
	source.HashLength = cfg.HashLength

	dest, err := cdnupload.NewDestination(destURL)
	if err != nil {
		return err
	}

	var notifier cdnupload.Notifier
	if cfg.SNSTopic != "" {
		notifier, err = cdnupload.NewSNSNotifier(cfg.SNSTopic)
		if err != nil {
			return fmt.Errorf("error creating sns notifier: %w", err)
		}
	}

	options := cdnupload.Options{
		Force:            cfg.Force,
		DryRun:           cfg.DryRun,
		ContinueOnErrors: cfg.ContinueOnErrors,
		Concurrency:      cfg.Concurrency,
		Logger:           log.StandardLogger(),
	}

	var result *cdnupload.Result
	switch cfg.Action {
	case "upload":
		result, err = cdnupload.Upload(source, dest, options)
	case "delete":
		result, err = cdnupload.Delete(source, dest, options)
	default:
		return fmt.Errorf("unknown action %q (want upload or delete)", cfg.Action)
	}
	if err != nil {
		return err
	}

	if notifier != nil {
		if notifyErr := notifier.NotifyResult(cfg.Action, source, dest, result); notifyErr != nil {
			log.Warnf("error sending notification: %s", notifyErr)
		}
	}

	if cfg.KeyMap != "" && cfg.Action == "upload" && !cfg.DryRun {
		if writeErr := writeKeyMapFile(cfg.KeyMap, result.SourceKeyMap); writeErr != nil {
			return fmt.Errorf("error writing key map: %w", writeErr)
		}
		log.Infof("wrote key map to %s", cfg.KeyMap)
	}

	if result.Errors > 0 {
		return fmt.Errorf("completed with %d errors", result.Errors)
	}
	return nil
}

func writeKeyMapFile(path string, keyMap map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cdnupload.WriteKeyMap(f, keyMap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
