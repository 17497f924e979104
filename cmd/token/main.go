// Command token mints an access token for local development:
//
//	token -u alice -s secretKey -t 1440
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/server/auth"
)

func main() {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	userID := fs.String("u", "", "user id")
	secret := fs.String("s", "secretKey", "server secret key")
	minutes := fs.Int("t", 24*60, "validity (in minutes)")
	_ = fs.Parse(os.Args[1:])

	tok, err := auth.GenerateToken(*userID, []byte(*secret), time.Duration(*minutes)*time.Minute)
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println(tok)
}
