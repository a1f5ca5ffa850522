package projector

const (
	defaultCategory       = "main"
	defaultBonusFundOwner = "bonus-fund"
	defaultBonusPoolOwner = "bonus-pool"
	defaultSystemActor    = "system"

	bonusRefPrefix       = "bonus"
	bonusRefDelimiter    = ":"
	bonusSuffixAwarded   = "awarded"
	bonusSuffixConverted = "converted"
	bonusSuffixForfeited = "forfeited"
	bonusSuffixExpired   = "expired"
)
