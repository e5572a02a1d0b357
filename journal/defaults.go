package journal

// Defaults are seeded into an empty question table.
var Defaults = []Question{
	{ID: "1", Text: "What was the single most important lesson you learned this year?"},
	{ID: "2", Text: "What is a brave decision you made, and how did it change you?"},
	{ID: "3", Text: "Who did you spend the most meaningful time with?"},
	{ID: "4", Text: "What is a habit you started this year that you want to keep?"},
	{ID: "5", Text: "What is something you let go of, and felt lighter because of it?"},
	{ID: "6", Text: "Describe a moment of pure joy you experienced."},
	{ID: "7", Text: "What was the biggest challenge you overcame?"},
	{ID: "8", Text: "What is a new skill or hobby you picked up?"},
	{ID: "9", Text: "How did you take care of your mental health this year?"},
	{ID: "10", Text: "What book, movie, or song defined your year?"},
	{ID: "11", Text: "What is one thing you would do differently if you could restart the year?"},
	{ID: "12", Text: "What are you most proud of achieving?"},
	{ID: "13", Text: "What unexpected surprise happened this year?"},
	{ID: "14", Text: "How have your priorities shifted over the last 12 months?"},
	{ID: "15", Text: "What is a place you visited that left a mark on you?"},
	{ID: "16", Text: "Who helped you the most when things got tough?"},
	{ID: "17", Text: "What is a fear you faced this year?"},
	{ID: "18", Text: "What makes you feel grateful right now?"},
	{ID: "19", Text: "What is your word or theme for the coming year?"},
	{ID: "20", Text: "If you could send a message to yourself at the start of this year, what would it be?"},
}
