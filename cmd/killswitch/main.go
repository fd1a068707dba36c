// killswitch toggles the process-wide financial stop flag directly in the
// database. Used by ops when the daemon itself cannot be trusted to do it.
//
//	killswitch on  "reason text"   (admin token in ESCROW_ADMIN_TOKEN)
//	killswitch off
//	killswitch status
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/engine"
	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/platform/auth"
	"github.com/taskfoundry/escrow-core/internal/platform/clock"
	"github.com/taskfoundry/escrow-core/internal/psp"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]

	databaseURL := os.Getenv("ESCROW_DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "ESCROW_DATABASE_URL is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		fatal("open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fatal("ping database: %v", err)
	}

	clk := clock.RealClock{}
	eng := engine.New(
		engine.NewPGStore(db),
		ledger.NewEngine(clk, db),
		psp.NewBridge(psp.NewFake(), clk, zap.NewNop(), db),
		clk,
		zap.NewNop(),
	)

	switch cmd {
	case "status":
		active, reason, err := eng.KillSwitchActive(ctx)
		if err != nil {
			fatal("read kill switch: %v", err)
		}
		if active {
			fmt.Printf("ENGAGED: %s\n", reason)
		} else {
			fmt.Println("disengaged")
		}
	case "on":
		if len(os.Args) < 3 {
			usage()
		}
		admin := requireAdmin()
		if err := eng.EngageKillSwitch(ctx, admin, os.Args[2]); err != nil {
			fatal("engage: %v", err)
		}
		fmt.Println("kill switch engaged")
	case "off":
		admin := requireAdmin()
		if err := eng.DisengageKillSwitch(ctx, admin); err != nil {
			fatal("disengage: %v", err)
		}
		fmt.Println("kill switch disengaged")
	default:
		usage()
	}
}

// requireAdmin verifies the operator token so the admin_actions row carries a
// real identity.
func requireAdmin() string {
	secret := os.Getenv("ESCROW_ADMIN_JWT_SECRET")
	token := os.Getenv("ESCROW_ADMIN_TOKEN")
	if secret == "" || token == "" {
		fatal("ESCROW_ADMIN_JWT_SECRET and ESCROW_ADMIN_TOKEN are required")
	}
	actor, err := auth.NewVerifier(secret).ParseActor(token)
	if err != nil {
		fatal("verify admin token: %v", err)
	}
	if actor.Type != auth.ActorTypeAdmin {
		fatal("token is not an admin token")
	}
	return actor.ID
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: killswitch status | on "reason" | off`)
	os.Exit(2)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
