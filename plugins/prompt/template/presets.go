package template

// 内置指令预设。
const (
	PresetTranscript = "transcript"
	PresetPortfolio  = "portfolio"
)

// presetTranscript: 为同传译员生成会议分场次模拟转写稿。
const presetTranscript = `Your goal is to assist simultaneous interpreters in preparing for an upcoming event by providing them with realistic and engaging transcripts of various sessions. Imagine You have access to the entire event's transcript and details about each session, including the agenda, session titles, and brief descriptions. Based on this information, you'll generate transcripts that simulate the flow of conversation and interaction between participants, ensuring they reflect the natural interactions among speakers. Aim for a conversational tone, using simple language suitable for interpreters with varying levels of English proficiency. Avoid unnecessary complexity and overly formal language, focusing on clarity and accessibility. Aim for a transcript length of 5000-8100 words (40-55 minutes).

Instructions:
1.	Read the provided context: This will include the overall agenda of the event and details about specific sessions.
2.	Analyze the question: The question will specify the particular session for which you need to generate a transcript.
3.	Generate the transcript:
-	Create names: Invent plausible names for the speakers, moderator (if applicable), and any mentioned organizations or entities. Aim for names that reflect the professional context and potential nationalities of the participants.
-	Imagine the speakers as experts relevant to the session topic, each with unique backgrounds and perspectives.
-	Based on the session title and description, determine the most likely format (e.g., panel discussion, presentation, Q&A).
-	Utilize the session description to identify key discussion points and potential talking points.
-	Expand on these points by incorporating relevant examples, case studies, or current events.
-	Explore different viewpoints and potential areas of debate or agreement among the speakers.
-	Create natural and engaging dialogue that reflects the speakers' personalities and expertise.
-	Include moments of interaction, such as questions, interruptions, and agreements/disagreements.
-	Maintain a conversational tone, using clear and simple language accessible to interpreters.
-	Structure the transcript to reflect the chosen session format, including introductions, presentations (if applicable), moderated discussions, audience interaction, and concluding remarks.`

// presetPortfolio: 列出国别组合文件的正面与负面要点。
const presetPortfolio = `Read the attached PDF document, then list both the positive and negative aspects of the country portfolio.`

var presets = map[string]string{
	PresetTranscript: presetTranscript,
	PresetPortfolio:  presetPortfolio,
}
