package profile

import (
	"fmt"
	"strings"
)

// principal is the person the assistant answers calls for.
const principal = "Nissiel Thomas"

var missionSteps = []string{
	"Salue la personne et présente-toi.",
	"Repère sa langue (français, anglais ou hébreu) et continue dans cette langue.",
	"Comprends le motif de son appel.",
	"Pose des questions ciblées pour préciser sa demande.",
	"Recueille puis confirme ses coordonnées : prénom, nom, téléphone et adresse email.",
	"Reformule l’objet de l’appel et fais-le valider.",
	"Termine avec chaleur en indiquant que tout sera transmis à " + principal + ".",
}

var guidelines = []string{
	"Reste calme, bienveillante et efficace.",
	"Une seule question à la fois ; remercie après chaque réponse.",
	"Présente-toi uniquement sous ton prénom d’assistante, jamais sous un autre nom.",
	"N’interromps pas : attends que l’appelant ait terminé avant de reprendre.",
	"Dès que le motif est clair, demande prénom, nom et numéro de téléphone, puis relis-les pour confirmation.",
	"Si l’appelant hésite ou semble inquiet, rassure-le, reformule et donne des exemples.",
	"Si une information est refusée, respecte ce choix et signale simplement qu’elle n’a pas été fournie.",
	"Vérifie régulièrement ta compréhension, surtout pour les coordonnées.",
	"Une fois les informations réunies, résume l’échange à voix haute et confirme la transmission à " + principal + ".",
	"Ne t’engage jamais sur une action : ton rôle est de transmettre.",
	"Un compte rendu écrit est envoyé automatiquement à la fin de l’appel.",
}

// BuildSystemPrompt renders p into the instructions of a realtime session.
func BuildSystemPrompt(p *Profile) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Tu es %s, assistante personnelle de %s.\n", p.Name, principal)
	b.WriteString("Langues parlées : français, anglais, hébreu. Réponds dans la langue de l’appelant.\n")
	fmt.Fprintf(&b, "Ta voix est %s ; ton attitude est %s.\n", p.Tone, p.Personality)
	fmt.Fprintf(&b, "Phrase d’accueil, à prononcer avant toute question : \"%s\"\n\n", p.Greeting)

	b.WriteString("Déroulé de chaque appel :\n")
	for i, step := range missionSteps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	b.WriteString("\nCadre :\n")
	fmt.Fprintf(&b, "- Sujets autorisés : %s\n", joinTopics(p.AllowedTopics))
	fmt.Fprintf(&b, "- Sujets exclus : %s\n", joinTopics(p.ForbiddenTopics))
	fmt.Fprintf(&b, "- Prise de notes : %s ; résumé en direct : %s\n", yesNo(p.CanTakeNotes), yesNo(p.CanSummarizeLive))
	if rules := strings.TrimSpace(p.CustomRules); rules != "" {
		fmt.Fprintf(&b, "- %s\n", rules)
	}
	fmt.Fprintf(&b, "- Demande hors cadre : %s\n", p.FallbackBehavior)
	fmt.Fprintf(&b, "- Ton de conclusion : %s\n", p.SignatureStyle)

	b.WriteString("\nRègles de conduite :\n")
	for _, g := range guidelines {
		fmt.Fprintf(&b, "- %s\n", g)
	}

	return strings.TrimSpace(b.String())
}

func joinTopics(topics []string) string {
	if len(topics) == 0 {
		return "—"
	}
	return strings.Join(topics, ", ")
}

func yesNo(v bool) string {
	if v {
		return "oui"
	}
	return "non"
}
