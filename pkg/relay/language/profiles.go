package language

// DefaultProfiles is the built-in profile set. es-MX is a richer
// specialization of the es defaults.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Code:      "en-US",
			Formality: FormalityNeutral,
			Voice:     "en-US-Journey-O",
		},
		{
			Code:         "en-GB",
			PromptPrefix: "Reply in British English.",
			Formality:    FormalityNeutral,
			Voice:        "en-GB-Journey-D",
			Adjustments: []Rule{
				{Match: "zip code", Replace: "postcode"},
				{Match: "cell phone", Replace: "mobile"},
				{Match: "appointment is scheduled", Replace: "appointment is booked"},
			},
		},
		{
			Code:         "es",
			PromptPrefix: "Responde en español, de forma breve y clara.",
			Formality:    FormalityNeutral,
			Voice:        "es-US-Journey-F",
			Adjustments: []Rule{
				{Match: "OK", Replace: "de acuerdo"},
			},
		},
		{
			Code:         "es-MX",
			PromptPrefix: "Responde en español de México, con calidez y tratando a la persona de usted.",
			Formality:    FormalityFormal,
			Voice:        "es-MX-Journey-F",
			Adjustments: []Rule{
				{Match: "OK", Replace: "de acuerdo"},
				{Match: "vale", Replace: "claro"},
				{Match: "ordenador", Replace: "computadora"},
				{Match: "móvil", Replace: "celular"},
				{Match: "coche", Replace: "carro"},
				{Match: "conducir", Replace: "manejar"},
				{Match: "zumo", Replace: "jugo"},
				{Match: "patata", Replace: "papa"},
				{Match: "billete", Replace: "boleto"},
				{Match: "vosotros", Replace: "ustedes"},
				{Match: "os ayudamos", Replace: "les ayudamos"},
				{Match: "¿qué tal?", Replace: "¿cómo está?"},
				{Match: "tú", Replace: "usted"},
				{Match: "puedes", Replace: "puede"},
				{Match: "quieres", Replace: "quiere"},
				{Match: "necesitas", Replace: "necesita"},
			},
		},
		{
			Code:         "fr-FR",
			PromptPrefix: "Réponds en français, en vouvoyant l'interlocuteur.",
			Formality:    FormalityFormal,
			Voice:        "fr-FR-Journey-F",
		},
		{
			Code:         "de-DE",
			PromptPrefix: "Antworte auf Deutsch und sieze den Anrufer.",
			Formality:    FormalityFormal,
			Voice:        "de-DE-Journey-F",
		},
		{
			Code:         "pt-BR",
			PromptPrefix: "Responda em português do Brasil.",
			Formality:    FormalityNeutral,
			Voice:        "pt-BR-Journey-F",
		},
	}
}
