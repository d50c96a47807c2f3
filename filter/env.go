package filter

/*
Here the Env used in delivery filter expressions is defined.
Once this struct is fixed, it should not be changed, otherwise filters supplied
by long-lived clients may not compile any more (f.e. if properties are renamed).
*/

type Sender struct {
	ID   int64
	Name string
}

type Target struct {
	ID          int64
	DisplayName string
	Role        string
}

type Room struct {
	ID   int64
	Name string
}

// Env is the evaluation environment for a per-connection delivery filter. The
// expression must evaluate to a boolean; true means deliver.
type Env struct {
	Sender  Sender
	Target  Target
	Room    Room
	Direct  bool
	Content string
}
