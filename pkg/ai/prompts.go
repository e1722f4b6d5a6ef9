package ai

const SpanScoringPrompt = `You are an entity linking system. The document topic is %q.

Read the passage and decide for every listed mention which of the listed
knowledge base entries it refers to. Report a probability between 0 and 1 for
every (mention, entry) combination you consider plausible. Leave out
combinations you consider impossible.

Passage:
%s

Mentions:
%s
Entries:
%s`

const RelationScoringPrompt = `You are a relation extraction system. The document topic is %q.

Read the passage and decide for every listed ordered entity pair which of the
listed relations holds from the first entity to the second. Report a
probability between 0 and 1 for every (pair, relation) combination you
consider plausible. Leave out combinations you consider impossible.

Passage:
%s

Pairs:
%s
Relations:
%s`
