// Command roomlist prints the public games a master currently advertises.
// Operator tooling, handy to eyeball a deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"masterkit/client"
)

func main() {
	masterURL := flag.String("master", "ws://localhost:5000", "master server url")
	username := flag.String("username", "roomlist", "guest username to authenticate with")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
	flag.Parse()

	logger := logs.GetLoggerFromString("WARN")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	masterClient := client.NewMaster(logger, *masterURL)
	if err := masterClient.Connect(ctx); err != nil {
		log.Fatalf("Error while connecting to master: %v", err)
	}
	defer masterClient.Close()
	go func() { _ = masterClient.Run(ctx) }()

	if _, err := masterClient.Authenticate(ctx, *username, "", ""); err != nil {
		log.Fatalf("Error while authenticating: %v", err)
	}

	games, err := masterClient.GetPublicGames(ctx)
	if err != nil {
		log.Fatalf("Error while listing games: %v", err)
	}

	header := color.New(color.BgBlack, color.FgGreen).Render(fmt.Sprintf(" %d public game(s) on %s ", len(games), *masterURL))
	fmt.Println(header)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Address", "Players", "Locked", "Properties"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, game := range games {
		players := fmt.Sprintf("%d", game.OnlinePlayers)
		if game.MaxPlayers > 0 {
			players = fmt.Sprintf("%d/%d", game.OnlinePlayers, game.MaxPlayers)
		}
		locked := ""
		if game.IsPasswordProtected {
			locked = color.Red.Render("yes")
		}
		table.Append([]string{
			strconv.Itoa(int(game.ID)),
			game.Name,
			game.Address,
			players,
			locked,
			fmt.Sprintf("%v", game.Properties),
		})
	}
	table.Render()
}
