package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maxpert/sqlkeep/archive"
	"github.com/maxpert/sqlkeep/cfg"
	"github.com/maxpert/sqlkeep/pipeline"
	"github.com/maxpert/sqlkeep/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usageText = `Usage: sqlkeep [flags] [command]

Commands:
  backup            snapshot the source, publish a new backup, then prune (default)
  prune             delete backups beyond the retention limit for -freq
  verify FILE...    decompress backups and check their integrity
  schedule          print crontab lines for every frequency

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "backup"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}

	// Only backup touches the source, everything else needs the tables alone
	validate := cfg.ValidateTables
	if command == "backup" {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	code := dispatch(command, args)

	if err := telemetry.WriteTextfile(); err != nil {
		log.Warn().Err(err).Msg("Failed to write metrics textfile")
	}
	os.Exit(code)
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("freq", cfg.Config.Destination.Frequency.String()).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func dispatch(command string, args []string) int {
	switch command {
	case "backup":
		return runBackup()
	case "prune":
		return runPrune()
	case "verify":
		return runVerify(args)
	case "schedule":
		return runSchedule()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		return 2
	}
}

func runBackup() int {
	runner := pipeline.NewRunner(pipeline.OptionsFromConfig(cfg.Config))
	result, deleted, err := runner.Backup(
		cfg.Config.Source.Path,
		cfg.Config.Destination.Dir,
		cfg.Config.Destination.Frequency,
	)
	if err != nil {
		if result != nil {
			log.Error().Err(err).Str("path", result.Path).Msg("Backup published, pruning failed")
		} else {
			log.Error().Err(err).Str("source", cfg.Config.Source.Path).Msg("Backup failed")
		}
		return 1
	}

	log.Info().Str("path", result.Path).Int("pruned", len(deleted)).Msg("Backup complete")
	return 0
}

func runPrune() int {
	runner := pipeline.NewRunner(pipeline.OptionsFromConfig(cfg.Config))
	deleted, err := runner.Prune(cfg.Config.Destination.Dir, cfg.Config.Destination.Frequency)
	if err != nil {
		log.Error().Err(err).Int("pruned", len(deleted)).Msg("Prune failed")
		return 1
	}
	log.Info().Int("pruned", len(deleted)).Msg("Prune complete")
	return 0
}

func runVerify(files []string) int {
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "verify needs at least one file")
		return 2
	}

	code := 0
	for _, file := range files {
		summary, err := archive.Verify(file)
		if err != nil {
			log.Error().Err(err).Str("file", file).Msg("Verification failed")
			code = 1
			continue
		}
		log.Info().
			Str("file", file).
			Str("sha256", summary.SHA256).
			Int("lines", summary.Lines).
			Int64("bytes", summary.Bytes).
			Str("digest", fmt.Sprintf("%016x", summary.Digest)).
			Msg("Backup OK")
	}
	return code
}

func runSchedule() int {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	command := exe
	if *cfg.ConfigPathFlag != "" {
		if abs, err := filepath.Abs(*cfg.ConfigPathFlag); err == nil {
			command = fmt.Sprintf("%s -config %s", exe, abs)
		}
	}

	lines, err := cfg.Config.Schedule.Crontab(command)
	if err != nil {
		log.Error().Err(err).Msg("Invalid schedule")
		return 1
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return 0
}
