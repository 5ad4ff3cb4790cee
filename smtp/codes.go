package smtp

// ../rfc/5321:2863

// Reply codes used in verification conversations. Enhanced status codes
// ("5.1.1") are parsed from replies as strings, see smtpclient.Error.
var (
	C220ServiceReady = 220

	C250Completed = 250

	C354Continue = 354

	C452StorageFull = 452 // Also for "too many recipients", ../rfc/5321:3576

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C554TransactionFailed = 554
)
