// Command tokengen mints an access token for local testing and operator
// calls against the admin routes. It needs JWT_PRIVATE_KEY_PATH.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"billing-sync-service/internal/config"
	"billing-sync-service/internal/pkg/jwt"

	"github.com/joho/godotenv"
)

func main() {
	tenantID := flag.Int64("tenant", 0, "tenant id carried by the token")
	roles := flag.String("roles", "", "comma separated roles, e.g. admin")
	flag.Parse()

	_ = godotenv.Load()

	if *tenantID <= 0 {
		log.Fatal("-tenant is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	manager, err := jwt.LoadAndBuild(cfg.JWT)
	if err != nil {
		log.Fatalf("failed to load keys: %v", err)
	}
	if manager.Generator == nil {
		log.Fatal("JWT_PRIVATE_KEY_PATH is not set")
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, jti, err := manager.Generator.Generate(*tenantID, roleList)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}
	fmt.Fprintf(os.Stderr, "jti=%s\n", jti)
	fmt.Println(token)
}
