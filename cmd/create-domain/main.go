package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailmask/backend/internal/config"
	"mailmask/backend/internal/domain"
	"mailmask/backend/internal/storage"
	"mailmask/backend/internal/storage/memory"
	sqlstore "mailmask/backend/internal/storage/sql"
)

func main() {
	// 解析命令行参数
	isDefault := flag.Bool("default", false, "use this domain when alias creation omits one")
	private := flag.Bool("private", false, "hide the domain from the public pool")
	inactive := flag.Bool("inactive", false, "register the domain without accepting mail yet")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println("Usage: create-domain [-default] [-private] [-inactive] <domain-name>")
		os.Exit(1)
	}

	name := strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	if err := domain.ValidateDomainName(name); err != nil {
		fmt.Printf("Invalid domain name %q: %v\n", name, err)
		os.Exit(1)
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 创建存储
	var store storage.Store
	persistent := cfg.Database.Type != "" && cfg.Database.DSN != ""
	if persistent {
		store, err = sqlstore.NewStore(&cfg.Database)
		if err != nil {
			fmt.Printf("Failed to open database: %v\n", err)
			os.Exit(1)
		}
	} else {
		store = memory.NewStore()
	}
	defer store.Close()

	if existing, err := store.GetDomainByName(name); err == nil && existing != nil {
		fmt.Printf("Domain %s already exists (id %s)\n", name, existing.ID)
		os.Exit(1)
	} else if err != nil && !errors.Is(err, storage.ErrDomainNotFound) {
		fmt.Printf("Failed to check existing domain: %v\n", err)
		os.Exit(1)
	}

	// 同一时间只允许一个默认域名
	if *isDefault {
		domains, err := store.ListDomains()
		if err != nil {
			fmt.Printf("Failed to list domains: %v\n", err)
			os.Exit(1)
		}
		for _, d := range domains {
			if d.IsDefault {
				fmt.Printf("Warning: %s is already the default domain, registering %s without the default flag\n", d.Name, name)
				*isDefault = false
				break
			}
		}
	}

	now := time.Now().UTC()
	d := &domain.Domain{
		ID:        uuid.NewString(),
		Name:      name,
		IsActive:  !*inactive,
		IsPublic:  !*private,
		IsDefault: *isDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.SaveDomain(d); err != nil {
		fmt.Printf("Failed to save domain: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Domain registered successfully!\n")
	fmt.Printf("  ID:      %s\n", d.ID)
	fmt.Printf("  Name:    %s\n", d.Name)
	fmt.Printf("  Active:  %t\n", d.IsActive)
	fmt.Printf("  Public:  %t\n", d.IsPublic)
	fmt.Printf("  Default: %t\n", d.IsDefault)

	if !persistent {
		fmt.Println("\nNote: no database is configured, so this domain exists only for the lifetime")
		fmt.Println("of this process. The server bootstraps smtp.domains from config on startup.")
	}
}
