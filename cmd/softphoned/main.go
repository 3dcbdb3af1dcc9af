// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mirkobertone/softphone"
	"github.com/mirkobertone/softphone/account"
	"github.com/mirkobertone/softphone/audio"
	"github.com/mirkobertone/softphone/sipengine"
)

func main() {
	fListen := flag.String("listen", ":8080", "Control API listen address")
	fRedis := flag.String("redis", "", "Redis URL for account storage, in-memory when empty")
	fJWTSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "JWT signing secret, auth disabled when empty")
	fReregister := flag.Bool("reregister", false, "Re-register the active account at startup instead of resetting statuses")
	fRecord := flag.String("record", "", "Record remote call audio to this WAV file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if err := run(ctx, *fListen, *fRedis, *fJWTSecret, *fRecord, *fReregister); err != nil {
		log.Fatal().Err(err).Msg("softphoned exited")
	}
}

func run(ctx context.Context, listen, redisURL, jwtSecret, recordPath string, reregister bool) error {
	var kv account.KV
	if redisURL != "" {
		rkv := account.NewRedisKV(redisURL)
		defer rkv.Close()
		kv = rkv
		log.Info().Str("url", redisURL).Msg("Using redis account storage")
	} else {
		kv = account.NewMemoryKV()
		log.Info().Msg("Using in-memory account storage")
	}

	store := account.NewStore(kv, account.WithStoreLogger(log.Logger))

	phone := softphone.NewPhone(store,
		softphone.WithLogger(log.Logger),
		softphone.WithEngineFactory(sipengine.New),
	)
	defer phone.Destroy()

	ctrlOpts := []softphone.CallControllerOption{
		softphone.WithCallLogger(log.Logger),
	}
	if recordPath != "" {
		f, err := os.Create(recordPath)
		if err != nil {
			return fmt.Errorf("create recording file: %w", err)
		}
		rec := audio.NewWavRecorder(f)
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing recording failed")
			}
			f.Close()
		}()
		ctrlOpts = append(ctrlOpts, softphone.WithAudioOutput(
			audio.NewOutput(rec, audio.WithOutputLogger(log.Logger)),
		))
		log.Info().Str("path", recordPath).Msg("Recording call audio")
	}

	calls := softphone.NewCallController(phone, ctrlOpts...)
	defer calls.Close()

	if err := applyStartupPolicy(ctx, store, phone, reregister); err != nil {
		log.Warn().Err(err).Msg("Startup registration policy failed")
	}

	api := NewAPI(store, phone, calls, jwtSecret)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listen).Msg("Control API starting")
		errCh <- api.Start(listen)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// applyStartupPolicy either re-registers the previously active account or
// resets every persisted status to unregistered, so stale registered flags
// never survive a restart.
func applyStartupPolicy(ctx context.Context, store *account.Store, phone *softphone.Phone, reregister bool) error {
	if err := store.ResetStatuses(ctx); err != nil {
		return err
	}
	if !reregister {
		return nil
	}

	id, ok := store.ActiveID(ctx)
	if !ok {
		return nil
	}
	acc, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	log.Info().Str("account", acc.ID).Msg("Re-registering active account")
	_, err = phone.RegisterAccount(ctx, acc)
	return err
}
