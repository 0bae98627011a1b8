// Package banner prints the startup banner and a summary of the effective
// configuration, the same "banner + config summary" shape the donor
// codebase prints at boot, pointed at promisedb's own settings.
package banner

import (
	"fmt"

	"promisedb/pkg/config"
)

const art = `
██████╗ ██████╗  ██████╗ ███╗   ███╗██╗███████╗███████╗██████╗ ██████╗
██╔══██╗██╔══██╗██╔═══██╗████╗ ████║██║██╔════╝██╔════╝██╔══██╗██╔══██╗
██████╔╝██████╔╝██║   ██║██╔████╔██║██║███████╗█████╗  ██║  ██║██████╔╝
██╔═══╝ ██╔══██╗██║   ██║██║╚██╔╝██║██║╚════██║██╔══╝  ██║  ██║██╔══██╗
██║     ██║  ██║╚██████╔╝██║ ╚═╝ ██║██║███████║███████╗██████╔╝██████╔╝
╚═╝     ╚═╝  ╚═╝ ╚═════╝ ╚═╝     ╚═╝╚═╝╚══════╝╚══════╝╚═════╝ ╚═════╝
`

// Print prints the ASCII banner and a summary of eff, the effective
// configuration resolved at startup.
func Print(eff config.EffectiveConfigResult, version string) {
	c := eff.Config
	fmt.Print(art)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Admin listen: %s\n", c.AdminAddr)
	fmt.Printf("DB path:      %s\n", c.CoreDatabasePath)
	fmt.Printf("DB name:      %s\n", c.CoreDatabaseName)
	if version != "" {
		fmt.Printf("Version:      %s\n", version)
	}
	fmt.Printf("Config source: %s\n", eff.Source)

	fmt.Println("\n== Background workers ==========================================")
	fmt.Println("- Promise salvager: running (drains due promises every ~60s)")
	if c.RetentionEnabled {
		fmt.Printf("- Retention sweeper: enabled (cron=%s)\n", c.RetentionCron)
	} else {
		fmt.Println("- Retention sweeper: disabled")
	}

	fmt.Println("\n== Endpoints ====================================================")
	fmt.Printf("GET  http://localhost%s/healthz  - liveness probe\n", c.AdminAddr)
	fmt.Printf("GET  http://localhost%s/metrics  - Prometheus metrics\n", c.AdminAddr)
	fmt.Printf("GET  http://localhost%s/admin/promises/due  - count of promises past due\n", c.AdminAddr)
	fmt.Printf("POST http://localhost%s/admin/promises/drain  - trigger an immediate salvage drain\n", c.AdminAddr)
	fmt.Printf("GET  http://localhost%s/swagger/index.html  - API documentation\n", c.AdminAddr)

	fmt.Println("\n== Production? ==================================================")
	fmt.Println("Set a durable --db path outside of /tmp")
	fmt.Println("Put the admin front behind a network boundary: it has no auth of its own")
}
