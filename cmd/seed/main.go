package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"carechat/internal/config"
	"carechat/internal/database"
	"carechat/internal/model"
	"carechat/internal/repository"
	"carechat/internal/util"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type seedUser struct {
	email     string
	firstName string
	lastName  string
	role      string
}

var defaultUsers = []seedUser{
	{email: "doctor@carechat.local", firstName: "Ada", lastName: "Okafor", role: model.RoleDoctor},
	{email: "patient@carechat.local", firstName: "Tunde", lastName: "Bello", role: model.RolePatient},
}

// seed creates a demo doctor and patient and prints a token for each, so
// the live channel can be exercised without an identity service.
func main() {
	password := flag.String("password", "password123", "password for seeded users")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("Failed to hash password:", err)
	}

	ctx := context.Background()
	users := repository.NewUserRepository(db, nil)
	tokens := util.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTExpiresIn)

	for _, su := range defaultUsers {
		user, err := users.FindByEmail(ctx, su.email)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			user = &model.User{
				Email:        su.email,
				PasswordHash: string(hash),
				FirstName:    su.firstName,
				LastName:     su.lastName,
				Role:         su.role,
			}
			if err := users.Create(ctx, user); err != nil {
				log.Fatalf("Failed to create %s: %v", su.email, err)
			}
			log.Printf("Created %s %s (%s)", su.role, su.email, user.ID)
		} else if err != nil {
			log.Fatalf("Failed to look up %s: %v", su.email, err)
		} else {
			log.Printf("Found %s %s (%s)", user.Role, user.Email, user.ID)
		}

		token, expiresAt, err := tokens.GenerateToken(user.ID, user.Email, user.Role)
		if err != nil {
			log.Fatalf("Failed to issue token for %s: %v", su.email, err)
		}
		log.Printf("Token for %s (expires %s):\n%s", user.Email, expiresAt.Format("2006-01-02 15:04"), token)
	}
}
