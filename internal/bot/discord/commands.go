package discord

import "github.com/bwmarrin/discordgo"

const (
	cmdClose    = "close"
	cmdThank    = "thank"
	cmdAccount  = "help-account"
	cmdMarkBest = "Mark as best answer"
)

// commands returns the application commands registered in every
// configured guild.
func commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdClose,
			Description: "Close this help session and reward the helpers",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "quiet",
				Description: "Do not notify helpers",
			}},
		},
		{
			Name:        cmdThank,
			Description: "Thank someone who helped you",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "helper",
					Description: "The member to thank",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "done",
					Description: "Close the session after thanking",
				},
			},
		},
		{
			Name:        cmdAccount,
			Description: "Show help experience",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "Whose experience to show (defaults to you)",
			}},
		},
		{
			Name: cmdMarkBest,
			Type: discordgo.MessageApplicationCommand,
		},
	}
}

func findOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range opts {
		if o.Name == name {
			return o
		}
	}
	return nil
}

func boolOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) bool {
	o := findOption(opts, name)
	if o == nil {
		return false
	}
	b, _ := o.Value.(bool)
	return b
}

// userOption returns the id of a user option. The gateway sends it as a
// snowflake string.
func userOption(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) string {
	o := findOption(opts, name)
	if o == nil {
		return ""
	}
	id, _ := o.Value.(string)
	return id
}
